package datatanker

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// storageClrTypeName is the engine-type discriminator stamped into every
// info sidecar (spec §6). The name is a holdover label, not a claim about
// runtime: it is the stable tag Open rejects a mismatch against.
const storageClrTypeName = "DataTanker.Storage"

const infoFileName = "info"

// storageInfo is the parsed contents of a storage directory's info
// sidecar: one UTF-8 "key=value" line per field (spec §6).
type storageInfo struct {
	ClrTypeName string
	StorageID   string
}

func writeInfoFile(dir string, info storageInfo) error {
	var b strings.Builder
	b.WriteString("StorageClrTypeName=")
	b.WriteString(info.ClrTypeName)
	b.WriteString("\n")
	b.WriteString("StorageId=")
	b.WriteString(info.StorageID)
	b.WriteString("\n")
	return os.WriteFile(filepath.Join(dir, infoFileName), []byte(b.String()), 0o644)
}

func readInfoFile(dir string) (storageInfo, error) {
	f, err := os.Open(filepath.Join(dir, infoFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return storageInfo{}, newStorageFormatError("info sidecar is missing")
		}
		return storageInfo{}, wrapIOError(err, "open info sidecar")
	}
	defer f.Close()

	info := storageInfo{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return storageInfo{}, newStorageFormatError("info sidecar line is not key=value: " + line)
		}
		switch key {
		case "StorageClrTypeName":
			info.ClrTypeName = value
		case "StorageId":
			info.StorageID = value
		}
	}
	if err := scanner.Err(); err != nil {
		return storageInfo{}, wrapIOError(err, "read info sidecar")
	}
	if info.ClrTypeName == "" {
		return storageInfo{}, newStorageFormatError("info sidecar is missing StorageClrTypeName")
	}
	return info, nil
}
