package api

import "github.com/cryptdrive/drivedl/internal/drive"

const codeSuccess = 1000

type thumbnailDTO struct {
	Type int    `json:"Type"`
	Hash []byte `json:"Hash"`
}

type blockDTO struct {
	Index   int    `json:"Index"`
	BareURL string `json:"BareURL"`
	Token   string `json:"Token"`
	Hash    []byte `json:"Hash"`
}

type revisionDTO struct {
	ID                string         `json:"ID"`
	Size              int64          `json:"Size"`
	ManifestSignature string         `json:"ManifestSignature"`
	SignatureEmail    string         `json:"SignatureEmail"`
	Thumbnails        []thumbnailDTO `json:"Thumbnails"`
	Blocks            []blockDTO     `json:"Blocks"`
}

type revisionResponse struct {
	Code     int         `json:"Code"`
	Error    string      `json:"Error"`
	Revision revisionDTO `json:"Revision"`
}

type keyDTO struct {
	Flags     int    `json:"Flags"`
	PublicKey string `json:"PublicKey"`
}

type keysResponse struct {
	Code    int    `json:"Code"`
	Error   string `json:"Error"`
	Address struct {
		Keys []keyDTO `json:"Keys"`
	} `json:"Address"`
}

func (r revisionDTO) toRevision(ref drive.RevisionRef) drive.Revision {
	rev := drive.Revision{
		Ref:            ref,
		ClaimedSize:    r.Size,
		SignatureEmail: r.SignatureEmail,
	}
	if r.ManifestSignature != "" {
		rev.ManifestSignature = []byte(r.ManifestSignature)
	}
	for _, t := range r.Thumbnails {
		rev.Thumbnails = append(rev.Thumbnails, drive.Thumbnail{Type: t.Type, Digest: t.Hash})
	}
	return rev
}

func (r revisionDTO) toBlockPage() drive.BlockPage {
	page := drive.BlockPage{
		Blocks:    make([]drive.BlockMetadata, 0, len(r.Blocks)),
		TotalSize: r.Size,
	}
	for _, b := range r.Blocks {
		page.Blocks = append(page.Blocks, drive.BlockMetadata{
			Index:        b.Index,
			BareURL:      b.BareURL,
			Token:        b.Token,
			DeclaredHash: b.Hash,
		})
	}
	return page
}
