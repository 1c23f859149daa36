package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"time"

	"github.com/keelstream/tuskd/db/models"
	"github.com/samber/lo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GridStore persists uploads as two relations: a files table keyed by uid
// and a chunks table keyed by (files_id, n). All chunks of a file share the
// file's chunk size except the terminal one, which keeps concatenation a
// metadata operation and makes range seeks O(1).
type GridStore struct {
	db        *gorm.DB
	chunkSize int64
	maxSize   int64
}

type GridStoreOption func(*GridStore)

// WithMaxSize sets the byte ceiling enforced on writes. Zero disables it.
func WithMaxSize(n int64) GridStoreOption {
	return func(s *GridStore) {
		s.maxSize = n
	}
}

// NewGridStore builds a store writing blocks of chunkSize bytes.
func NewGridStore(db *gorm.DB, chunkSize int64, opts ...GridStoreOption) *GridStore {
	s := &GridStore{
		db:        db,
		chunkSize: chunkSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Storage = (*GridStore)(nil)

func (s *GridStore) CreateFile(ctx context.Context, uid string, info map[string]string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&models.File{}).Where("uid = ?", uid).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrFileExists
		}

		file := models.File{
			UID:         uid,
			Length:      0,
			UploadDate:  time.Now().UTC(),
			ContentType: info["Content-Type"],
			Metadata:    toJSONMap(info),
		}
		return tx.Create(&file).Error
	})
}

func (s *GridStore) PatchFile(ctx context.Context, uid string, src io.Reader, total int64) (int64, error) {
	var written int64
	var readErr error

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var file models.File
		if err := tx.First(&file, "uid = ?", uid).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrFileNotFound
			}
			return err
		}

		chunkSize := file.ChunkSize
		if chunkSize == 0 {
			chunkSize = s.chunkSize
		}

		offset := file.Length
		next := int64(0)
		if file.ChunkSize > 0 {
			next = (offset + file.ChunkSize - 1) / file.ChunkSize
		}

		buf := make([]byte, chunkSize)
		for {
			n, err := io.ReadFull(src, buf)
			atEOF := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
			if err != nil && !atEOF {
				// The client went away mid-stream. Drop the torn
				// block, keep the whole chunks that made it in;
				// the upload resumes from their boundary.
				readErr = err
				break
			}
			if n == 0 {
				break
			}

			// The very first block of an upload fixes its chunk
			// size for good.
			if file.ChunkSize == 0 && written == 0 {
				file.ChunkSize = int64(n)
				chunkSize = int64(n)
				buf = buf[:chunkSize]
			}

			newOffset := offset + written + int64(n)
			if s.maxSize > 0 && newOffset > s.maxSize {
				return ErrSizeExceeded
			}
			if total >= 0 && newOffset > total {
				return ErrSizeExceeded
			}
			if int64(n) < chunkSize && (total < 0 || newOffset != total) {
				return ErrUnevenChunks
			}

			data := make([]byte, n)
			copy(data, buf[:n])
			chunk := models.Chunk{FilesID: uid, N: next, Data: data}
			if cerr := tx.Create(&chunk).Error; cerr != nil {
				return cerr
			}
			next++
			written += int64(n)

			if atEOF || int64(n) < chunkSize {
				break
			}
		}

		file.Length = offset + written
		file.UploadDate = time.Now().UTC()
		return tx.Save(&file).Error
	})
	if err != nil {
		return 0, err
	}

	return written, readErr
}

func (s *GridStore) GetFile(ctx context.Context, uid string, rng *ByteRange) (io.ReadCloser, error) {
	var file models.File
	if err := s.db.WithContext(ctx).First(&file, "uid = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}

	if rng == nil {
		rng = &ByteRange{Start: 0, End: file.Length - 1}
	}
	if file.Length == 0 || rng.Start > rng.End {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}

	startChunk := rng.Start / file.ChunkSize
	endChunk := rng.End / file.ChunkSize

	rows, err := s.db.WithContext(ctx).Model(&models.Chunk{}).
		Select("data").
		Where("files_id = ? AND n >= ? AND n <= ?", uid, startChunk, endChunk).
		Order("n ASC").
		Rows()
	if err != nil {
		return nil, err
	}

	return &chunkReader{
		rows:      rows,
		skip:      rng.Start - startChunk*file.ChunkSize,
		remaining: rng.Size(),
	}, nil
}

// chunkReader lazily walks a chunk cursor in ascending n order, trimming
// the first and last buffers to the requested byte range.
type chunkReader struct {
	rows      *sql.Rows
	buf       []byte
	skip      int64
	remaining int64
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.remaining <= 0 {
			return 0, io.EOF
		}
		if !r.rows.Next() {
			if err := r.rows.Err(); err != nil {
				return 0, err
			}
			return 0, io.ErrUnexpectedEOF
		}
		var data []byte
		if err := r.rows.Scan(&data); err != nil {
			return 0, err
		}
		if r.skip > 0 {
			if r.skip >= int64(len(data)) {
				r.skip -= int64(len(data))
				continue
			}
			data = data[r.skip:]
			r.skip = 0
		}
		if int64(len(data)) > r.remaining {
			data = data[:r.remaining]
		}
		r.buf = data
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.remaining -= int64(n)
	return n, nil
}

func (r *chunkReader) Close() error {
	return r.rows.Close()
}

func (s *GridStore) DeleteFile(ctx context.Context, uid string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("files_id = ?", uid).Delete(&models.Chunk{}).Error; err != nil {
			return err
		}
		return tx.Where("uid = ?", uid).Delete(&models.File{}).Error
	})
}

func (s *GridStore) ReadInfo(ctx context.Context, uid string) (map[string]string, error) {
	var file models.File
	if err := s.db.WithContext(ctx).First(&file, "uid = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return fromJSONMap(file.Metadata), nil
}

func (s *GridStore) UpdateInfo(ctx context.Context, uid string, info map[string]string) error {
	res := s.db.WithContext(ctx).Model(&models.File{}).
		Where("uid = ?", uid).
		Update("metadata", toJSONMap(info))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrFileNotFound
	}
	return nil
}

func (s *GridStore) Length(ctx context.Context, uid string) (int64, error) {
	var file models.File
	if err := s.db.WithContext(ctx).First(&file, "uid = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrFileNotFound
		}
		return 0, err
	}
	return file.Length, nil
}

func (s *GridStore) Concatenate(ctx context.Context, finalUID string, partUIDs []string, info map[string]string) (int64, error) {
	var total int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parts := make([]models.File, 0, len(partUIDs))
		for _, uid := range partUIDs {
			var part models.File
			if err := tx.First(&part, "uid = ?", uid).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrFileNotFound
				}
				return err
			}
			parts = append(parts, part)
		}

		nonEmpty := lo.Filter(parts, func(p models.File, _ int) bool {
			return p.Length > 0
		})

		// Every part must share one chunk size, and only the last
		// non-empty part may end on a short chunk. A last part made of a
		// single chunk shorter than the common size is that short chunk,
		// whatever size its own first write fixed.
		var chunkSize int64
		for i, p := range nonEmpty {
			last := i == len(nonEmpty)-1
			if chunkSize == 0 {
				chunkSize = p.ChunkSize
			}
			if p.ChunkSize != chunkSize && !(last && p.Length == p.ChunkSize && p.Length < chunkSize) {
				return ErrUnevenChunks
			}
			if !last && p.Length%chunkSize != 0 {
				return ErrUnevenChunks
			}
		}

		var count int64
		if err := tx.Model(&models.File{}).Where("uid = ?", finalUID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrFileExists
		}

		total = lo.SumBy(parts, func(p models.File) int64 { return p.Length })

		final := models.File{
			UID:         finalUID,
			Length:      total,
			ChunkSize:   chunkSize,
			UploadDate:  time.Now().UTC(),
			ContentType: info["Content-Type"],
			Metadata:    toJSONMap(info),
		}
		if err := tx.Create(&final).Error; err != nil {
			return err
		}

		// Re-parent the parts' chunks under the final uid, renumbered
		// sequentially in part order. No chunk data moves.
		var base int64
		for _, p := range parts {
			if p.Length > 0 {
				err := tx.Model(&models.Chunk{}).
					Where("files_id = ?", p.UID).
					Updates(map[string]interface{}{
						"files_id": finalUID,
						"n":        gorm.Expr("n + ?", base),
					}).Error
				if err != nil {
					return err
				}
				base += (p.Length + chunkSize - 1) / chunkSize
			}
			if err := tx.Where("uid = ?", p.UID).Delete(&models.File{}).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}

func (s *GridStore) ExpireFiles(ctx context.Context, before time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&models.File{}).Select("uid").Where("upload_date < ?", before)
		if err := tx.Where("files_id IN (?)", expired).Delete(&models.Chunk{}).Error; err != nil {
			return err
		}
		return tx.Where("upload_date < ?", before).Delete(&models.File{}).Error
	})
}

func toJSONMap(info map[string]string) datatypes.JSONMap {
	m := make(datatypes.JSONMap, len(info))
	for k, v := range info {
		m[k] = v
	}
	return m
}

func fromJSONMap(m datatypes.JSONMap) map[string]string {
	info := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			info[k] = s
		}
	}
	return info
}
