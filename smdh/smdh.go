// Package smdh parses the SMDH icon/metadata block carried in an
// application's ExeFS ".icon" file: title strings per language, the
// region-lockout and application flags, and the tiled RGB565 icons.
package smdh

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"strings"
	"unicode/utf16"
)

const smdhSize = 0x36C0

var magic = [4]byte{'S', 'M', 'D', 'H'}

// RegionNames lists the 12 languages an SMDH carries title strings for,
// in on-disk order.
var RegionNames = []string{
	"Japanese", "English", "French", "German", "Italian", "Spanish",
	"Simplified Chinese", "Korean", "Dutch", "Portuguese", "Russian",
	"Traditional Chinese",
}

// regionLookupOrder is RegionNames with English moved first, the order
// AppTitle() falls back through when no explicit language is requested.
var regionLookupOrder = []string{
	"English", "Japanese", "French", "German", "Italian", "Spanish",
	"Simplified Chinese", "Korean", "Dutch", "Portuguese", "Russian",
	"Traditional Chinese",
}

// AppTitle is one language's title strings.
type AppTitle struct {
	ShortDescription string
	LongDescription  string
	Publisher        string
}

// Flags decodes the eleven named boolean flags packed into the
// settings block's flags word.
type Flags struct {
	Visible        bool
	AutoBoot       bool
	Allow3D        bool
	RequireEULA    bool
	AutoSave       bool
	ExtendedBanner bool
	RatingRequired bool
	SaveData       bool
	RecordUsage    bool
	NoSaveBackups  bool
	New3DS         bool
}

func parseFlags(v uint32) Flags {
	return Flags{
		Visible:        v&0x001 != 0,
		AutoBoot:       v&0x002 != 0,
		Allow3D:        v&0x004 != 0,
		RequireEULA:    v&0x008 != 0,
		AutoSave:       v&0x010 != 0,
		ExtendedBanner: v&0x020 != 0,
		RatingRequired: v&0x040 != 0,
		SaveData:       v&0x080 != 0,
		RecordUsage:    v&0x100 != 0,
		NoSaveBackups:  v&0x400 != 0,
		New3DS:         v&0x1000 != 0,
	}
}

// Settings is the 0x2008:0x2040 settings block.
type Settings struct {
	GameRatings      [16]byte
	RegionLockout    uint32
	Regions          []string // decoded names, or {"World"}
	MatchMakerID     uint32
	MatchMakerBitID  uint64
	Flags            Flags
	EULAVersion      uint16
	OptimalAnimFrame float32
	StreetpassID     uint32
}

// SMDH is a parsed application icon/metadata block.
type SMDH struct {
	Titles          map[string]AppTitle // keyed by RegionNames entries
	Settings        Settings
	IconSmall       image.Image
	IconSmallPixels []color.NRGBA // row-major, len == 24*24
	IconLarge       image.Image
	IconLargePixels []color.NRGBA // row-major, len == 48*48
}

// Parse reads a 0x36C0-byte SMDH from r.
func Parse(r io.Reader) (*SMDH, error) {
	data := make([]byte, smdhSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("smdh: read: %w", err)
	}

	if [4]byte(data[0:4]) != magic {
		return nil, &InvalidHeaderError{Reason: "magic not found"}
	}

	titles := make(map[string]AppTitle, len(RegionNames))
	for i, region := range RegionNames {
		block := data[0x8+i*0x200 : 0x8+(i+1)*0x200]
		titles[region] = AppTitle{
			ShortDescription: decodeUTF16Z(block[0x0:0x80]),
			LongDescription:  decodeUTF16Z(block[0x80:0x180]),
			Publisher:        decodeUTF16Z(block[0x180:0x200]),
		}
	}

	regionLockout := binary.LittleEndian.Uint32(data[0x2018:0x201C])
	regions, err := decodeRegionLockout(regionLockout)
	if err != nil {
		return nil, err
	}

	settings := Settings{
		RegionLockout:    regionLockout,
		Regions:          regions,
		MatchMakerID:     binary.LittleEndian.Uint32(data[0x201C:0x2020]),
		MatchMakerBitID:  binary.LittleEndian.Uint64(data[0x2020:0x2028]),
		Flags:            parseFlags(binary.LittleEndian.Uint32(data[0x2028:0x202C])),
		EULAVersion:      binary.LittleEndian.Uint16(data[0x202C:0x202E]),
		OptimalAnimFrame: math.Float32frombits(binary.LittleEndian.Uint32(data[0x2030:0x2034])),
		StreetpassID:     binary.LittleEndian.Uint32(data[0x2034:0x2038]),
	}
	copy(settings.GameRatings[:], data[0x2008:0x2018])

	iconSmall, iconSmallPixels, err := decodeTiledRGB565(data[0x2040:0x24C0], 24, 24)
	if err != nil {
		return nil, fmt.Errorf("smdh: small icon: %w", err)
	}
	iconLarge, iconLargePixels, err := decodeTiledRGB565(data[0x24C0:0x36C0], 48, 48)
	if err != nil {
		return nil, fmt.Errorf("smdh: large icon: %w", err)
	}

	return &SMDH{
		Titles:          titles,
		Settings:        settings,
		IconSmall:       iconSmall,
		IconSmallPixels: iconSmallPixels,
		IconLarge:       iconLarge,
		IconLargePixels: iconLargePixels,
	}, nil
}

// AppTitle returns the first available title among the given regions,
// falling back to English-first lookup order (region names not found in
// s.Titles are skipped) and finally an "unknown" placeholder.
func (s *SMDH) AppTitle(regions ...string) AppTitle {
	if len(regions) == 0 {
		regions = regionLookupOrder
	}
	for _, r := range regions {
		if t, ok := s.Titles[r]; ok && t.ShortDescription != "" {
			return t
		}
	}
	return AppTitle{ShortDescription: "unknown", LongDescription: "unknown", Publisher: "unknown"}
}

func decodeUTF16Z(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return strings.TrimRight(string(utf16.Decode(units)), "\x00")
}

// decodeRegionLockout decodes the region-lockout bitfield, honoring the
// 0x7fffffff "World" sentinel and requiring the Europe and Australia
// bits to agree (bit 0x04 shifted left one place must equal bit 0x08).
func decodeRegionLockout(v uint32) ([]string, error) {
	if v == 0x7fffffff {
		return []string{"World"}, nil
	}
	if v > 0x7f {
		return nil, &InvalidRegionLockoutError{Value: v, Reason: "unexpected bits set"}
	}
	if (v&0x04)<<1 != v&0x08 {
		return nil, &InvalidRegionLockoutError{Value: v, Reason: "Europe and Australia bits must match"}
	}

	var regions []string
	add := func(bit uint32, name string) {
		if v&bit != 0 {
			regions = append(regions, name)
		}
	}
	add(0x01, "Japan")
	add(0x02, "North America")
	add(0x04, "Europe")
	add(0x10, "China")
	add(0x20, "Korea")
	add(0x40, "Taiwan")
	return regions, nil
}

// InvalidHeaderError reports an SMDH that failed a magic check.
type InvalidHeaderError struct{ Reason string }

func (e *InvalidHeaderError) Error() string { return "smdh: invalid header: " + e.Reason }

// InvalidRegionLockoutError reports a region-lockout bitfield this
// package cannot interpret.
type InvalidRegionLockoutError struct {
	Value  uint32
	Reason string
}

func (e *InvalidRegionLockoutError) Error() string {
	return fmt.Sprintf("smdh: invalid region lockout %#x: %s", e.Value, e.Reason)
}
