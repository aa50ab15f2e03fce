package survey

import "time"

// Bookmark records how far one journal file has been consumed.
type Bookmark struct {
	FileID     string `gorm:"primaryKey;size:128"`
	Path       string `gorm:"size:1024"`
	Offset     int64
	SizeBytes  int64
	HeadLen    int
	HeadHash   string `gorm:"size:64"`
	Closed     bool   `gorm:"index"`
	Resets     int
	LastReadAt time.Time
	UpdatedAt  time.Time
}

type JournalEvent struct {
	ID            uint      `gorm:"primaryKey"`
	EventID       string    `gorm:"uniqueIndex;size:32"`
	Kind          string    `gorm:"index;size:16"` // arrival, body_scan
	Name          string    `gorm:"size:64"`       // journal "event" field
	Timestamp     time.Time `gorm:"index"`
	SystemName    string    `gorm:"index;size:256"`
	SystemAddress *int64
	HasPosition   bool
	PosX          float64
	PosY          float64
	PosZ          float64
	ZBin          *int `gorm:"index"`
	BodyName      string
	BodyID        *int64
	BodyJSON      string `gorm:"type:text"`
	FileID        string `gorm:"index;size:128"`
	FileOffset    int64
	IngestedAt    time.Time
}

// SurveyContext is the single row describing where the pilot currently is.
type SurveyContext struct {
	Slot           string `gorm:"primaryKey;size:16"`
	SystemName     string
	SystemAddress  *int64
	PosZ           *float64
	ZBin           *int // 50 ly bin of PosZ
	LastBody       string
	EventTimestamp time.Time
	EventID        string `gorm:"size:32"`
	UpdatedAt      time.Time
}

// ProgressState is one row per survey track.
type ProgressState struct {
	SurveyType  string `gorm:"primaryKey;size:32"`
	Session     int
	LastSession int
	SampleIndex int
	Completed   int
	LastZBin    *int
	PrevZBin    *int
	Direction   string `gorm:"size:16"`
	UpdatedAt   time.Time
}

// Sample is an operator-confirmed observation. Rows are never updated.
// Seq orders the hash chain; rows from before the chain have Seq 0 and no hashes.
type Sample struct {
	ID            string `gorm:"primaryKey;size:36"`
	Seq           int64  `gorm:"index;default:0"`
	SurveyType    string `gorm:"index;size:32;default:regular_density"`
	Session       int    `gorm:"index"`
	SampleIndex   int
	ZBin          int `gorm:"index"`
	SystemName    string
	SystemAddress *int64
	SourceSystems string `gorm:"type:text"` // JSON array
	SystemCount   *int
	CorrectedN    *int
	MaxDistance   *float64
	Notes         string    `gorm:"type:text"`
	ConfirmedAt   time.Time `gorm:"index"`
	PayloadHash   string    `gorm:"size:64"`
	PrevHash      string    `gorm:"size:64"`
	CreatedAt     time.Time
}
