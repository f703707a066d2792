package repair

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/burrowdb/burrow/db"
	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Material file layout: 8-byte magic, zstd-compressed msgpack body,
// 8-byte big-endian xxhash64 of the compressed body. Two generations sit
// side by side so a crash mid-write never loses the previous good one.
var materialMagic = []byte("BRWMTRL1")

const (
	MaterialFirstSuffix = "-first.material"
	MaterialLastSuffix  = "-last.material"
)

// SchemaObject is one sqlite_master row worth keeping.
type SchemaObject struct {
	Type     string `msgpack:"type"` // table, index, trigger
	Name     string `msgpack:"name"`
	TblName  string `msgpack:"tbl_name"`
	RootPage uint32 `msgpack:"root_page"`
	SQL      string `msgpack:"sql"`
}

// TableMaterial records where a table's rows physically live.
type TableMaterial struct {
	Name      string   `msgpack:"name"`
	RootPage  uint32   `msgpack:"root_page"`
	LeafPages []uint32 `msgpack:"leaf_pages"`
	RowCount  int64    `msgpack:"row_count"`
}

// Material is the compact repair sidecar for one database.
type Material struct {
	SavedAt  int64           `msgpack:"saved_at"` // unix seconds
	PageSize int             `msgpack:"page_size"`
	Objects  []SchemaObject  `msgpack:"objects"`
	Tables   []TableMaterial `msgpack:"tables"`
}

// MaterialPaths returns the two generation paths for a database file.
func MaterialPaths(dbPath string) (first, last string) {
	return dbPath + MaterialFirstSuffix, dbPath + MaterialLastSuffix
}

// GenerateMaterial captures the schema and the leaf page numbers of every
// table through h, checkpointing first so the main file is current.
func GenerateMaterial(h *db.Handle, filter func(table string) bool) (*Material, error) {
	if err := h.Checkpoint(db.CheckpointPassive); err != nil {
		return nil, err
	}

	rows, err := h.Query(
		"SELECT type, name, tbl_name, rootpage, COALESCE(sql, '') FROM sqlite_master " +
			"WHERE type IN ('table','index','trigger') AND name NOT LIKE 'sqlite_%'")
	if err != nil {
		return nil, err
	}
	mat := &Material{SavedAt: time.Now().Unix()}
	for rows.Next() {
		var obj SchemaObject
		if err := rows.Scan(&obj.Type, &obj.Name, &obj.TblName, &obj.RootPage, &obj.SQL); err != nil {
			rows.Close()
			return nil, err
		}
		if obj.Type == "table" && filter != nil && !filter(obj.Name) {
			continue
		}
		mat.Objects = append(mat.Objects, obj)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reader, err := openPageReader(h.Path())
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	mat.PageSize = reader.pageSize

	for _, obj := range mat.Objects {
		if obj.Type != "table" || obj.RootPage == 0 {
			continue
		}
		tm := TableMaterial{Name: obj.Name, RootPage: obj.RootPage}
		err := reader.walkTableLeaves(obj.RootPage, func(leaf uint32) error {
			tm.LeafPages = append(tm.LeafPages, leaf)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", obj.Name, err)
		}
		if err := h.QueryRow(
			fmt.Sprintf("SELECT count(*) FROM %q", obj.Name)).Scan(&tm.RowCount); err != nil {
			return nil, err
		}
		mat.Tables = append(mat.Tables, tm)
	}
	return mat, nil
}

func encodeMaterial(mat *Material) ([]byte, error) {
	body, err := msgpack.Marshal(mat)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(materialMagic)
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(body); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}

	compressed := buf.Bytes()[len(materialMagic):]
	var footer [8]byte
	binary.BigEndian.PutUint64(footer[:], xxhash.Sum64(compressed))
	buf.Write(footer[:])
	return buf.Bytes(), nil
}

func decodeMaterial(raw []byte) (*Material, error) {
	if len(raw) < len(materialMagic)+8 || !bytes.Equal(raw[:len(materialMagic)], materialMagic) {
		return nil, fmt.Errorf("not a material file")
	}
	compressed := raw[len(materialMagic) : len(raw)-8]
	sum := binary.BigEndian.Uint64(raw[len(raw)-8:])
	if xxhash.Sum64(compressed) != sum {
		return nil, fmt.Errorf("material checksum mismatch")
	}

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	body, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, err
	}

	var mat Material
	if err := msgpack.Unmarshal(body, &mat); err != nil {
		return nil, fmt.Errorf("corrupt material body: %w", err)
	}
	return &mat, nil
}

// SaveMaterial writes mat next to dbPath, overwriting the older of the
// two generation slots so the newer survivor is always intact.
func SaveMaterial(dbPath string, mat *Material) error {
	raw, err := encodeMaterial(mat)
	if err != nil {
		return err
	}

	first, last := MaterialPaths(dbPath)
	target := first
	if older(last, first) {
		target = last
	}

	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create material file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return db.NewFileError(db.FileOpLink, target, err)
	}
	return nil
}

// older reports whether a is older than b (missing counts as oldest).
func older(a, b string) bool {
	sa, errA := os.Stat(a)
	if errA != nil {
		return true
	}
	sb, errB := os.Stat(b)
	if errB != nil {
		return false
	}
	return sa.ModTime().Before(sb.ModTime())
}

// LoadMaterial returns the newest valid material for dbPath, trying both
// generations.
func LoadMaterial(dbPath string) (*Material, error) {
	first, last := MaterialPaths(dbPath)
	candidates := []string{last, first}
	if older(last, first) {
		candidates = []string{first, last}
	}

	var lastErr error
	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		mat, err := decodeMaterial(raw)
		if err != nil {
			lastErr = err
			continue
		}
		return mat, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no material found for %s", dbPath)
	}
	return nil, lastErr
}
