package api_test

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/cryptdrive/drivedl/internal/api"
	"github.com/cryptdrive/drivedl/internal/drive"
	rtest "github.com/cryptdrive/drivedl/internal/test"
)

// TestLiveServer lists the blocks of a revision on a real server. It needs
// DRIVEDL_TEST_API_SERVER, DRIVEDL_TEST_TOKEN and DRIVEDL_TEST_REVISION
// ("volume/node/revision").
func TestLiveServer(t *testing.T) {
	if !rtest.RunIntegrationTest || rtest.TestAPIServer == "" {
		rtest.SkipDisallowed(t, "api.TestLiveServer")
		t.Skip("DRIVEDL_TEST_API_SERVER not set")
	}

	parts := strings.Split(os.Getenv("DRIVEDL_TEST_REVISION"), "/")
	if len(parts) != 3 {
		t.Fatalf("DRIVEDL_TEST_REVISION must be volume/node/revision, got %q", os.Getenv("DRIVEDL_TEST_REVISION"))
	}
	ref := drive.RevisionRef{VolumeID: parts[0], NodeID: parts[1], RevisionID: parts[2]}

	cfg, err := api.ParseConfig(rtest.TestAPIServer)
	rtest.OK(t, err)
	cfg.Token = os.Getenv("DRIVEDL_TEST_TOKEN")

	rt, err := api.Transport(api.TransportOptions{UserAgent: "drivedl-test"})
	rtest.OK(t, err)
	c, err := api.New(cfg, rt)
	rtest.OK(t, err)

	rev, err := c.GetRevision(context.TODO(), ref)
	rtest.OK(t, err)
	rtest.Equals(t, ref, rev.Ref)

	page, err := c.ListBlocks(context.TODO(), ref, drive.FirstBlockIndex, drive.DefaultPageSize, false)
	rtest.OK(t, err)
	for i, md := range page.Blocks {
		rtest.Assert(t, md.Index >= drive.FirstBlockIndex, "block %d has invalid index %d", i, md.Index)
		rtest.Assert(t, md.BareURL != "", "block %d has no URL", md.Index)
	}
}
