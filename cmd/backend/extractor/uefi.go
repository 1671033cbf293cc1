package extractor

import (
	"context"
	"fmt"
	"sync"

	"github.com/linuxboot/fiano/pkg/uefi"
)

var fianoOnce sync.Once

// UEFI extracts the FFS files of UEFI flash images and firmware volumes
type UEFI struct{}

// NewUEFI creates a UEFI extractor
func NewUEFI() *UEFI {
	fianoOnce.Do(func() {
		// parse without keeping writable copies of every node
		uefi.ReadOnly = true
		uefi.SuppressErasePolarityError = true
	})
	return &UEFI{}
}

func (u *UEFI) Name() string { return "uefi" }

// fileCollector walks the firmware tree and keeps every FFS file
type fileCollector struct {
	volume string
	files  []Entry
	budget *budget
}

func (v *fileCollector) Run(f uefi.Firmware) error {
	return f.Apply(v)
}

func (v *fileCollector) Visit(f uefi.Firmware) error {
	switch node := f.(type) {
	case *uefi.FirmwareVolume:
		prev := v.volume
		v.volume = node.FVName.String()
		err := node.ApplyChildren(v)
		v.volume = prev
		return err
	case *uefi.File:
		data := node.Buf()
		if err := v.budget.take(int64(len(data))); err != nil {
			return err
		}
		path := fmt.Sprintf("/%s/%s", v.volume, node.Header.GUID.String())
		v.files = append(v.files, Entry{Path: path, Data: append([]byte(nil), data...)})
		// nested volumes inside the file are unpacked on the next level
		return nil
	default:
		return f.ApplyChildren(v)
	}
}

func (u *UEFI) Extract(ctx context.Context, data []byte, limit int64) ([]Entry, error) {
	fw, err := uefi.Parse(data)
	if err != nil {
		return nil, ErrNotContainer
	}

	collector := &fileCollector{volume: "root", budget: &budget{limit: limit}}
	if err := collector.Run(fw); err != nil {
		return nil, fmt.Errorf("failed to walk uefi image: %w", err)
	}
	if len(collector.files) == 0 {
		return nil, ErrNotContainer
	}
	return collector.files, nil
}
