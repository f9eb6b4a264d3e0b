// Package dimensions maps natural dimension values to stable surrogate keys.
package dimensions

import "time"

// Type names a dimension table.
type Type string

const (
	TypePage    Type = "page"
	TypeUTM     Type = "utm"
	TypeDevice  Type = "device"
	TypeCountry Type = "country"
)

// Unknown is the surrogate key used when a dimension value is absent. It is
// never stored in a dimension table.
const Unknown uint = 0

// UnknownLabel is the display value for the Unknown key.
const UnknownLabel = "unknown"

// Page is a tracked page path.
type Page struct {
	ID        uint      `gorm:"primaryKey"`
	Path      string    `gorm:"size:2048;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Page) TableName() string { return "dim_pages" }

func (p Page) surrogate() uint { return p.ID }

// UTM is a campaign attribution triple. Missing parts are stored as "".
type UTM struct {
	ID        uint      `gorm:"primaryKey"`
	Source    string    `gorm:"size:255;not null;default:'';uniqueIndex:idx_dim_utms_natural"`
	Medium    string    `gorm:"size:255;not null;default:'';uniqueIndex:idx_dim_utms_natural"`
	Campaign  string    `gorm:"size:255;not null;default:'';uniqueIndex:idx_dim_utms_natural"`
	CreatedAt time.Time `gorm:"not null"`
}

func (UTM) TableName() string { return "dim_utms" }

func (u UTM) surrogate() uint { return u.ID }

// Label renders the triple as "source / medium / campaign".
func (u UTM) Label() string {
	return u.Source + " / " + u.Medium + " / " + u.Campaign
}

// Device is one of the fixed device classes.
type Device struct {
	ID   uint   `gorm:"primaryKey;autoIncrement:false"`
	Name string `gorm:"size:16;not null;uniqueIndex"`
}

func (Device) TableName() string { return "dim_devices" }

// Country is an ISO 3166-1 alpha-2 code, upper case.
type Country struct {
	ID        uint      `gorm:"primaryKey"`
	ISO2      string    `gorm:"column:iso2;size:2;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Country) TableName() string { return "dim_countries" }

func (c Country) surrogate() uint { return c.ID }

// Fixed device keys. These are seeded at migration time and never change.
const (
	DeviceDesktop uint = 1
	DeviceMobile  uint = 2
	DeviceTablet  uint = 3
)

var deviceKeys = map[string]uint{
	"desktop": DeviceDesktop,
	"mobile":  DeviceMobile,
	"tablet":  DeviceTablet,
}

// DeviceNames lists the accepted device names in key order.
var DeviceNames = []string{"desktop", "mobile", "tablet"}

// Devices returns the seed rows for dim_devices.
func Devices() []Device {
	rows := make([]Device, 0, len(DeviceNames))
	for _, name := range DeviceNames {
		rows = append(rows, Device{ID: deviceKeys[name], Name: name})
	}
	return rows
}

// Models returns every dimension model for migration.
func Models() []any {
	return []any{&Page{}, &UTM{}, &Device{}, &Country{}}
}
