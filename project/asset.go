package project

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

type AssetKind int

const (
	CostumeAsset AssetKind = 0
	SoundAsset   AssetKind = 1
)

func (self AssetKind) String() string {
	switch self {
	case SoundAsset:
		return "sound"
	default:
		return "costume"
	}
}

// reads asset bodies by archive filename
type assetSource interface {
	ReadAsset(ctx context.Context, filename string) ([]byte, error)
}

// A costume or sound. The asset id is the md5 of the body.
// Bodies load lazily from the archive or the asset server.
type Asset struct {
	Kind       AssetKind
	Name       string
	AssetId    string
	DataFormat string

	// costume and sound specific keys, e.g. rotation center and sample rate
	Extra map[string]json.RawMessage

	stateLock sync.Mutex
	data      []byte
	loaded    bool
	// the filename to read from `source`
	sourceFilename string
	source         assetSource
}

func Md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// NewAsset creates an asset from its body.
func NewAsset(kind AssetKind, name string, dataFormat string, data []byte) *Asset {
	asset := &Asset{
		Kind:       kind,
		Name:       name,
		DataFormat: dataFormat,
		Extra:      map[string]json.RawMessage{},
	}
	asset.SetData(data)
	return asset
}

func NewCostume(name string, dataFormat string, data []byte, rotationCenterX float64, rotationCenterY float64) *Asset {
	asset := NewAsset(CostumeAsset, name, dataFormat, data)
	asset.Extra["rotationCenterX"] = mustRaw(rotationCenterX)
	asset.Extra["rotationCenterY"] = mustRaw(rotationCenterY)
	if dataFormat != "svg" {
		asset.Extra["bitmapResolution"] = mustRaw(2)
	}
	return asset
}

func NewSound(name string, dataFormat string, data []byte, rate int, sampleCount int) *Asset {
	asset := NewAsset(SoundAsset, name, dataFormat, data)
	asset.Extra["rate"] = mustRaw(rate)
	asset.Extra["sampleCount"] = mustRaw(sampleCount)
	return asset
}

// Filename is the archive member name, `<asset id>.<ext>`.
func (self *Asset) Filename() string {
	return fmt.Sprintf("%s.%s", self.AssetId, self.DataFormat)
}

func (self *Asset) IsLoaded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.loaded
}

// Data returns the body, loading it on first access.
func (self *Asset) Data(ctx context.Context) ([]byte, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.loaded {
		return self.data, nil
	}
	if self.source == nil {
		return nil, fmt.Errorf("%w Asset %s has no source.", ErrNotFound, self.sourceFilename)
	}
	data, err := self.source.ReadAsset(ctx, self.sourceFilename)
	if err != nil {
		return nil, err
	}
	self.data = data
	self.loaded = true
	return data, nil
}

// SetData replaces the body and recomputes the asset id.
func (self *Asset) SetData(data []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.data = data
	self.loaded = true
	self.AssetId = Md5Hex(data)
	self.sourceFilename = self.Filename()
	self.source = nil
}

// Verify loads the body and checks that the asset id is its md5.
func (self *Asset) Verify(ctx context.Context) error {
	data, err := self.Data(ctx)
	if err != nil {
		return err
	}
	if md5Hex := Md5Hex(data); !strings.EqualFold(md5Hex, self.AssetId) {
		return fmt.Errorf("%w %s has md5 %s.", ErrInvalidAsset, self.Filename(), md5Hex)
	}
	return nil
}

func (self *Asset) String() string {
	return fmt.Sprintf("%s %s(%s)", self.Kind, self.Name, self.Filename())
}

var assetKeys = []string{"name", "assetId", "dataFormat", "md5ext"}

func parseAsset(kind AssetKind, raw json.RawMessage, source assetSource) (*Asset, error) {
	var a struct {
		Name       string `json:"name"`
		AssetId    string `json:"assetId"`
		DataFormat string `json:"dataFormat"`
		Md5Ext     string `json:"md5ext"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("%w %s: %s", ErrBadArchive, kind, err)
	}
	extra, err := extraKeys(raw, assetKeys)
	if err != nil {
		return nil, err
	}
	asset := &Asset{
		Kind:       kind,
		Name:       a.Name,
		AssetId:    a.AssetId,
		DataFormat: a.DataFormat,
		Extra:      extra,
		source:     source,
	}
	if asset.DataFormat == "" && a.Md5Ext != "" {
		if i := strings.LastIndex(a.Md5Ext, "."); 0 <= i {
			asset.DataFormat = a.Md5Ext[i+1:]
		}
	}
	if a.Md5Ext != "" {
		asset.sourceFilename = a.Md5Ext
	} else {
		asset.sourceFilename = asset.Filename()
	}
	return asset, nil
}

func (self *Asset) toJson() map[string]any {
	obj := map[string]any{}
	for key, value := range self.Extra {
		obj[key] = value
	}
	obj["name"] = self.Name
	obj["assetId"] = self.AssetId
	obj["dataFormat"] = self.DataFormat
	obj["md5ext"] = self.Filename()
	return obj
}

func mustRaw(value any) json.RawMessage {
	b, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return b
}
