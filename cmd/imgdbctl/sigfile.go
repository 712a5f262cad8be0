package main

import (
	"encoding/json"
	"os"

	"github.com/pixsim/imgdb"
)

// sigFile is the on-disk handoff format between an external signature
// computation pipeline (decode + YIQ + Haar transform, outside this
// package's scope) and imgdbctl. Precomputed rather than derived from a raw
// image here, since imgdb's SignatureFunc contract is a caller-supplied
// collaborator, not something this CLI implements itself.
type sigFile struct {
	ID     uint64                              `json:"id"`
	Width  int32                               `json:"width"`
	Height int32                               `json:"height"`
	AvgLF  [imgdb.NumChannels]float64          `json:"avglf"`
	Sig    [imgdb.NumChannels][imgdb.NumCoefs]int16 `json:"sig"`
}

func loadSigFile(path string) (imgdb.Signature, error) {
	f, err := os.Open(path)
	if err != nil {
		return imgdb.Signature{}, err
	}
	defer f.Close()

	var sf sigFile
	if err := json.NewDecoder(f).Decode(&sf); err != nil {
		return imgdb.Signature{}, err
	}
	return imgdb.Signature{
		ID:     sf.ID,
		Width:  sf.Width,
		Height: sf.Height,
		AvgLF:  sf.AvgLF,
		Sig:    sf.Sig,
	}, nil
}
