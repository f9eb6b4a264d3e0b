package rollup

import "time"

// Bucket is one aggregated row. Dimension keys default to 0 (unknown), and
// BucketTS is the UTC unix second at which the bucket starts.
type Bucket struct {
	BucketTS  int64     `gorm:"column:bucket_ts;primaryKey;autoIncrement:false"`
	PageID    uint      `gorm:"primaryKey;autoIncrement:false"`
	UTMID     uint      `gorm:"column:utm_id;primaryKey;autoIncrement:false"`
	DeviceID  uint      `gorm:"primaryKey;autoIncrement:false"`
	CountryID uint      `gorm:"primaryKey;autoIncrement:false"`
	PV        int64     `gorm:"column:pv;not null;default:0"`
	Sessions  int64     `gorm:"not null;default:0"`
	Conv      int64     `gorm:"not null;default:0"`
	UVHLL     []byte    `gorm:"column:uv_hll"`
	UpdatedAt time.Time `gorm:"not null"`
}

// Key returns the dimension tuple of the bucket.
func (b Bucket) Key() Key {
	return Key{Page: b.PageID, UTM: b.UTMID, Device: b.DeviceID, Country: b.CountryID}
}

// Time returns the bucket start.
func (b Bucket) Time() time.Time {
	return time.Unix(b.BucketTS, 0).UTC()
}

// Key identifies a bucket within one window.
type Key struct {
	Page    uint
	UTM     uint
	Device  uint
	Country uint
}

func (k Key) less(o Key) bool {
	if k.Page != o.Page {
		return k.Page < o.Page
	}
	if k.UTM != o.UTM {
		return k.UTM < o.UTM
	}
	if k.Device != o.Device {
		return k.Device < o.Device
	}
	return k.Country < o.Country
}

type Rollup1m struct{ Bucket }

func (Rollup1m) TableName() string { return "rollup_1m" }

type Rollup5m struct{ Bucket }

func (Rollup5m) TableName() string { return "rollup_5m" }

type Rollup1h struct{ Bucket }

func (Rollup1h) TableName() string { return "rollup_1h" }

// Checkpoint records that a window has been aggregated.
type Checkpoint struct {
	Resolution  Resolution `gorm:"primaryKey;size:4"`
	BucketTS    int64      `gorm:"column:bucket_ts;primaryKey;autoIncrement:false"`
	Rows        int        `gorm:"column:row_count;not null"`
	CompletedAt time.Time  `gorm:"not null"`
}

func (Checkpoint) TableName() string { return "rollup_checkpoints" }

// Time returns the window start.
func (c Checkpoint) Time() time.Time {
	return time.Unix(c.BucketTS, 0).UTC()
}

// Models returns the rollup models for migration.
func Models() []any {
	return []any{&Rollup1m{}, &Rollup5m{}, &Rollup1h{}, &Checkpoint{}}
}
