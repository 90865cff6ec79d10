package assets

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/snappy"

	"cp2077coop/server/internal/hash"
)

const (
	diskMagic   = 0x45484341 // "ACHE"
	diskVersion = 1
)

// split cuts data into chunkSize pieces and compresses each with comp.
func split(data []byte, comp Compression, chunkSize int) ([][]byte, []uint32, []uint64, uint64, error) {
	codec, err := CodecFor(comp)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var (
		chunks     [][]byte
		sizes      []uint32
		hashes     []uint64
		compressed uint64
	)
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		packed, err := codec.Compress(data[off:end])
		if err != nil {
			return nil, nil, nil, 0, err
		}
		chunks = append(chunks, packed)
		sizes = append(sizes, uint32(end-off))
		hashes = append(hashes, ChunkHash(packed))
		compressed += uint64(len(packed))
	}
	return chunks, sizes, hashes, compressed, nil
}

func cachePath(dir string, assetID uint64) string {
	return filepath.Join(dir, strconv.FormatUint(assetID, 10)+".cache")
}

// writeDiskCache stores the compressed chunks under dir through a snappy
// framed stream, replacing any previous file atomically.
func writeDiskCache(dir string, assetID uint64, chunks [][]byte) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	final := cachePath(dir, assetID)
	tmp, err := os.CreateTemp(dir, ".asset-*")
	if err != nil {
		return fmt.Errorf("create cache file: %w", err)
	}
	w := snappy.NewBufferedWriter(tmp)
	var hdr [10]byte
	binary.LittleEndian.PutUint32(hdr[0:], diskMagic)
	binary.LittleEndian.PutUint16(hdr[4:], diskVersion)
	binary.LittleEndian.PutUint32(hdr[6:], uint32(len(chunks)))
	_, err = w.Write(hdr[:])
	for _, ch := range chunks {
		if err != nil {
			break
		}
		var rec [12]byte
		binary.LittleEndian.PutUint64(rec[0:], ChunkHash(ch))
		binary.LittleEndian.PutUint32(rec[8:], uint32(len(ch)))
		if _, err = w.Write(rec[:]); err == nil {
			_, err = w.Write(ch)
		}
	}
	//1.- Keep the first failure across flush, close and rename.
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), final)
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write cache file: %w", err)
	}
	return nil
}

// readDiskCache loads the chunks of info and verifies every chunk hash.
func readDiskCache(dir string, info Info) ([][]byte, error) {
	f, err := os.Open(cachePath(dir, info.ID))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(snappy.NewReader(f))
	var hdr [10]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptCache, err)
	}
	if binary.LittleEndian.Uint32(hdr[0:]) != diskMagic || binary.LittleEndian.Uint16(hdr[4:]) != diskVersion {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptCache)
	}
	count := binary.LittleEndian.Uint32(hdr[6:])
	if count != info.ChunkCount || int(count) != len(info.ChunkHashes) {
		return nil, fmt.Errorf("%w: %d chunks, want %d", ErrCorruptCache, count, info.ChunkCount)
	}
	chunks := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		var rec [12]byte
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrCorruptCache, i, err)
		}
		size := binary.LittleEndian.Uint32(rec[8:])
		if size > DefaultChunkSize*2 {
			return nil, fmt.Errorf("%w: chunk %d oversized", ErrCorruptCache, i)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrCorruptCache, i, err)
		}
		if ChunkHash(data) != info.ChunkHashes[i] {
			return nil, fmt.Errorf("%w: chunk %d", ErrHashMismatch, i)
		}
		chunks = append(chunks, data)
	}
	return chunks, nil
}

// ModFile is one file found under the mods directory.
type ModFile struct {
	Mod     string
	RelPath string
	Path    string
	Size    int64
	ModTime int64
}

// AssetID derives a stable id from the mod name and its relative path.
func (m ModFile) AssetID() uint64 {
	return hash.Fnv1a64(m.Mod + "/" + filepath.ToSlash(m.RelPath))
}

// ScanMods lists every regular file under dir/<mod>/.
func ScanMods(dir string) ([]ModFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []ModFile
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		mod := e.Name()
		root := filepath.Join(dir, mod)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, ModFile{Mod: mod, RelPath: rel, Path: path, Size: info.Size(), ModTime: info.ModTime().Unix()})
			return nil
		})
		if err != nil {
			return files, fmt.Errorf("scan mod %s: %w", mod, err)
		}
	}
	return files, nil
}

// TypeForPath guesses the asset type from a file extension.
func TypeForPath(path string) Type {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xbm", ".dds", ".png":
		return TypeTexture
	case ".mesh":
		return TypeMesh
	case ".wem", ".opus", ".ogg":
		return TypeAudio
	case ".anims":
		return TypeAnimation
	case ".mi", ".mt":
		return TypeMaterial
	case ".reds", ".lua", ".js":
		return TypeScript
	case ".ent", ".app":
		return TypeCharacter
	case ".inkwidget":
		return TypeUI
	case ".json", ".yaml", ".ini", ".toml":
		return TypeConfig
	}
	return TypeCustom
}
