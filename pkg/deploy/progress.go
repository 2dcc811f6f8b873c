package deploy

import (
	"io"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// progressSteps is the number of progress messages logged per transfer.
const progressSteps = 4

// progressReader logs how much of a transfer has completed as the transfer
// reads through it.
type progressReader struct {
	io.Reader

	total    int64
	read     int64
	reported int
	log      log.FieldLogger
}

func newProgressReader(r io.Reader, total int64, logger log.FieldLogger) *progressReader {
	return &progressReader{Reader: r, total: total, log: logger}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.Reader.Read(b)
	p.read += int64(n)
	if p.total <= 0 {
		return n, err
	}

	step := int(p.read * progressSteps / p.total)
	if step > progressSteps {
		step = progressSteps
	}
	if step > p.reported {
		p.reported = step
		p.log.WithField("progress", humanize.Bytes(uint64(p.read))+"/"+humanize.Bytes(uint64(p.total))).
			Debugf("Transfer %d%% complete", step*100/progressSteps)
	}
	return n, err
}
