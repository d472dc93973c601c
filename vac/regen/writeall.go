package regen

import (
	"context"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/virtac-project/virtac/vac/ca"
	"github.com/virtac-project/virtac/vac/lattice"
)

// Filenames names the output file for each generated table, without the
// directory part; the .csv extension is optional.
type Filenames struct {
	Feedback  string
	Limits    string
	Mirror    string
	Tune      string
	Alignment string
}

// DefaultFilenames returns the filenames the server loads at startup.
func DefaultFilenames() Filenames {
	return Filenames{
		Feedback:  "feedback.csv",
		Limits:    "limits.csv",
		Mirror:    "mirrored.csv",
		Tune:      "tunefb.csv",
		Alignment: "bba.csv",
	}
}

// WriteAll regenerates every data table for the lattice's mode and writes
// them under dataDir/<mode>/.
func WriteAll(ctx context.Context, dataDir string, lat lattice.Lattice, client ca.Client, names Filenames) error {
	dir := filepath.Join(dataDir, lat.Mode())

	generators := []struct {
		name     string
		generate func() (*Table, error)
	}{
		{names.Feedback, func() (*Table, error) { return GenerateFeedbackTable(lat) }},
		{names.Limits, func() (*Table, error) { return GenerateLimitsTable(ctx, lat, client) }},
		{names.Mirror, func() (*Table, error) { return GenerateMirrorTable(lat) }},
		{names.Tune, func() (*Table, error) { return GenerateTuneTable(lat) }},
		{names.Alignment, func() (*Table, error) { return GenerateAlignmentTable(lat) }},
	}
	for _, g := range generators {
		t, err := g.generate()
		if err != nil {
			return err
		}
		path := filepath.Join(dir, g.name)
		if err := t.Write(path); err != nil {
			return err
		}
		logrus.Infof("wrote %d rows to %s", len(t.Rows), path)
	}
	return nil
}
