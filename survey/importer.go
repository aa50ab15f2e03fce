package survey

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Issue is one rejected record, reported back to whoever started the import.
type Issue struct {
	File   string
	Line   int
	Reason string
}

func (i Issue) String() string { return fmt.Sprintf("%s:%d: %s", i.File, i.Line, i.Reason) }

type ImportReport struct {
	Files      int
	Lines      int
	Accepted   int
	Ignored    int
	Rejected   int
	Inserted   int
	Duplicates int
	Issues     []Issue
}

func (r *ImportReport) Add(o ImportReport) {
	r.Files += o.Files
	r.Lines += o.Lines
	r.Accepted += o.Accepted
	r.Ignored += o.Ignored
	r.Rejected += o.Rejected
	r.Inserted += o.Inserted
	r.Duplicates += o.Duplicates
	r.Issues = append(r.Issues, o.Issues...)
}

// Importer loads historical journal files in one pass. It stores events only:
// bookmarks, journal context and progress are left alone.
type Importer struct {
	store    *Store
	notifier *Notifier
}

func NewImporter(store *Store, notifier *Notifier) *Importer {
	return &Importer{store: store, notifier: notifier}
}

// ImportDir imports every journal file in dir in file-identity order. A file
// that fails is reported as an issue and the rest still import.
func (im *Importer) ImportDir(ctx context.Context, dir string) (ImportReport, error) {
	var report ImportReport
	files, err := listJournals(dir)
	if err != nil {
		return report, wrapErr(CategoryTransient, "import dir", err)
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		r, err := im.ImportFile(ctx, f.path)
		report.Add(r)
		if err != nil {
			if IsCategory(err, CategoryDurability) {
				return report, err
			}
			report.Issues = append(report.Issues, Issue{File: filepath.Base(f.path), Reason: err.Error()})
		}
	}
	return report, nil
}

func (im *Importer) ImportFile(ctx context.Context, path string) (ImportReport, error) {
	report := ImportReport{Files: 1}
	fileID, ok := FileIdentity(path)
	if !ok {
		fileID = filepath.Base(path)
	}
	fh, err := os.Open(path)
	if err != nil {
		return report, wrapErr(CategoryTransient, "import "+fileID, err)
	}
	defer fh.Close()

	var events []lineEvent
	rd := bufio.NewReader(fh)
	var off int64
	for lineNo := 1; ; lineNo++ {
		line, err := rd.ReadBytes('\n')
		if len(line) > 0 {
			report.Lines++
			ex := Extract(line)
			switch ex.Outcome {
			case OutcomeAccepted:
				report.Accepted++
				events = append(events, lineEvent{ev: *ex.Event, offset: off})
			case OutcomeIgnored:
				report.Ignored++
			case OutcomeRejected:
				report.Rejected++
				report.Issues = append(report.Issues, Issue{File: filepath.Base(path), Line: lineNo, Reason: ex.Reason})
			}
			off += int64(len(line))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return report, wrapErr(CategoryTransient, "import "+fileID, err)
		}
	}

	now := time.Now().UTC()
	inserted := 0
	err = im.store.Write(ctx, "import "+fileID, func(tx *gorm.DB) error {
		inserted = 0
		for _, le := range events {
			rec := le.ev.record(fileID, le.offset, now)
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
			if res.Error != nil {
				return res.Error
			}
			inserted += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	report.Inserted = inserted
	report.Duplicates = len(events) - inserted
	log.Printf("imported %s: lines=%d accepted=%d new=%d duplicates=%d rejected=%d",
		fileID, report.Lines, report.Accepted, report.Inserted, report.Duplicates, report.Rejected)
	if inserted > 0 {
		im.notifier.Notify()
	}
	return report, nil
}
