package main

import (
	"context"
	"os"

	"github.com/cryptdrive/drivedl/internal/crypto"
	"github.com/cryptdrive/drivedl/internal/drive"
	"github.com/cryptdrive/drivedl/internal/errors"
	"github.com/cryptdrive/drivedl/internal/pgp"
)

// keyFiles names the files holding the keys of one revision.
type keyFiles struct {
	NodeKey    string
	ContentKey string
}

// fileSecrets reads the keys of each revision from files. The files are
// read again for every request so that each caller owns its copy of the
// key material.
type fileSecrets struct {
	files    map[drive.RevisionRef]keyFiles
	fallback keyFiles
}

var _ drive.Secrets = &fileSecrets{}

func (s *fileSecrets) lookup(ref drive.RevisionRef) keyFiles {
	if kf, ok := s.files[ref]; ok {
		return kf
	}
	return s.fallback
}

func (s *fileSecrets) NodeKey(_ context.Context, ref drive.RevisionRef) (*pgp.NodeKey, error) {
	filename := s.lookup(ref).NodeKey
	if filename == "" {
		return nil, errors.Fatalf("no node key file given for %v", ref)
	}
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Fatalf("unable to read node key: %v", err)
	}
	defer clear(buf)

	k, err := pgp.ParseNodeKey(buf)
	if err != nil {
		return nil, errors.Fatalf("node key %v: %v", filename, err)
	}
	return k, nil
}

func (s *fileSecrets) ContentKey(_ context.Context, ref drive.RevisionRef) (*crypto.ContentKey, error) {
	filename := s.lookup(ref).ContentKey
	if filename == "" {
		return nil, errors.Fatalf("no content key file given for %v", ref)
	}
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Fatalf("unable to read content key: %v", err)
	}
	defer clear(buf)

	k, err := crypto.ParseContentKey(string(buf))
	if err != nil {
		return nil, errors.Fatalf("content key %v: %v", filename, err)
	}
	return k, nil
}
