package export

import (
	"io"
	"os"

	"github.com/Layr-Labs/dex-sidecar/pkg/venues/venueTypes"
	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
)

// RowSource is the part of a venue that can be exported.
type RowSource interface {
	GetName() string
	ExportRows(blockNumber uint64) (any, uint64, error)
}

var _ RowSource = venueTypes.IVenue(nil)

// WriteCsv writes the venue's snapshot at or before blockNumber (0 = latest)
// as csv and returns the block of the snapshot written.
func WriteCsv(venue RowSource, blockNumber uint64, w io.Writer) (uint64, error) {
	rows, at, err := venue.ExportRows(blockNumber)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to export %s", venue.GetName())
	}
	if err := gocsv.Marshal(rows, w); err != nil {
		return 0, errors.Wrapf(err, "failed to write %s rows", venue.GetName())
	}
	return at, nil
}

func WriteCsvFile(venue RowSource, blockNumber uint64, path string) (uint64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	at, err := WriteCsv(venue, blockNumber, f)
	if err != nil {
		return 0, err
	}
	return at, f.Sync()
}
