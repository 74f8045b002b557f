// Package manifest implements the persisted scan record: the JSON file the
// child scan process writes after a first-load pass and the trusted parent
// reads to rebuild its registry without executing plugin code. The check
// code is a keyed digest over the accumulated plugin-file mtime sum; the
// ld_cache_time pins the dynamic-linker cache generation the scan saw.
package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/modelbox-go/driverkit/status"
)

// Entry is one scan_drivers element. A successful load carries the full
// descriptor; a failed one carries only the file path and the error text.
type Entry struct {
	Class       string `json:"class,omitempty"`
	Type        string `json:"type,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version,omitempty"`
	FilePath    string `json:"file_path"`
	NoDelete    bool   `json:"no_delete,omitempty"`
	Global      bool   `json:"global,omitempty"`
	DeepBind    bool   `json:"deep_bind,omitempty"`
	ErrMsg      string `json:"err_msg,omitempty"`
	LoadSuccess bool   `json:"load_success"`
}

// Manifest is the top-level scan record.
type Manifest struct {
	LDCacheTime   int64   `json:"ld_cache_time"`
	CheckCode     string  `json:"check_code"`
	VersionRecord string  `json:"version_record"`
	ScanDrivers   []Entry `json:"scan_drivers"`
}

// Write serializes m to path, truncating any previous record. A write
// failure is a Fault: the scan cannot be trusted if its record cannot be
// persisted.
func Write(path string, m *Manifest) *status.Status {
	data, err := json.Marshal(m)
	if err != nil {
		return status.Wrap(status.Fault, "marshal scan info failed", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return status.Wrap(status.Fault, fmt.Sprintf("open file %s for write failed", path), err)
	}
	return status.New(status.Ok, "")
}

// Read parses the manifest at path.
func Read(path string) (*Manifest, *status.Status) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, status.Wrap(status.Fault, fmt.Sprintf("open file %s for read failed", path), err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Wrap(status.Fault, fmt.Sprintf("parse scan info %s failed", path), err)
	}
	return &m, status.New(status.Ok, "")
}

// CheckInfo is the slice of a manifest the freshness gate consumes: the
// recorded check code, the linker-cache generation, and the set of file
// paths the previous scan saw (successes and failures alike).
type CheckInfo struct {
	CheckCode   string
	LDCacheTime int64
	Files       map[string]bool
}

// LoadCheckInfo reads path and extracts its CheckInfo.
func LoadCheckInfo(path string) (*CheckInfo, *status.Status) {
	m, st := Read(path)
	if !st.OK() {
		return nil, st
	}

	info := &CheckInfo{
		CheckCode:   m.CheckCode,
		LDCacheTime: m.LDCacheTime,
		Files:       make(map[string]bool, len(m.ScanDrivers)),
	}
	for _, e := range m.ScanDrivers {
		info.Files[e.FilePath] = true
	}
	return info, status.New(status.Ok, "")
}

// generateKeyKey keys the check-code digest so the code is not a trivially
// forgeable function of the mtime sum.
var generateKeyKey = []byte("modelbox-driver-scan")

// GenerateKey derives the manifest check code from the accumulated
// modification-time sum. Deterministic: equal sums yield equal codes.
func GenerateKey(modTimeSum int64) string {
	mac := hmac.New(sha256.New, generateKeyKey)
	mac.Write([]byte(strconv.FormatInt(modTimeSum, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
