package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/memflow/types"
)

// recordRow is the database shape of a MemoryRecord. Slices and maps are
// stored as JSON so the schema stays flat.
type recordRow struct {
	ID             string `gorm:"primaryKey"`
	Content        string
	Tier           string `gorm:"index"`
	Importance     int
	Embedding      []byte
	Tags           []byte
	Metadata       []byte
	CreatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int64
	Owner          string `gorm:"index"`
	AccessMode     string
}

func (recordRow) TableName() string { return "memories" }

// edgeRow is the database shape of a GraphEdge.
type edgeRow struct {
	From      string  `gorm:"column:from_id;primaryKey"`
	To        string  `gorm:"column:to_id;primaryKey"`
	Relation  string  `gorm:"primaryKey"`
	Strength  float64 `gorm:"column:strength"`
	Auto      bool
	CreatedAt time.Time
}

func (edgeRow) TableName() string { return "memory_edges" }

// Persister writes durable-tier records and graph edges through to SQLite.
// All methods are safe for concurrent use; gorm serializes over one
// connection pool.
type Persister struct {
	db     *gorm.DB
	logger *zap.Logger
}

// OpenPersister opens (or creates) the database at path and migrates the
// schema.
func OpenPersister(path string, logger *zap.Logger) (*Persister, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open persistence %s: %w", path, err)
	}
	if err := db.AutoMigrate(&recordRow{}, &edgeRow{}); err != nil {
		return nil, fmt.Errorf("migrate persistence schema: %w", err)
	}
	return &Persister{
		db:     db,
		logger: logger.With(zap.String("component", "persistence")),
	}, nil
}

// SaveRecord upserts one record. Called on store and on metadata updates for
// durable tiers.
func (p *Persister) SaveRecord(rec *types.MemoryRecord) error {
	row, err := toRow(rec)
	if err != nil {
		return err
	}
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
}

// DeleteRecords removes rows and any edges touching them.
func (p *Persister) DeleteRecords(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.db.Delete(&recordRow{}, "id IN ?", ids).Error; err != nil {
		return err
	}
	return p.db.Delete(&edgeRow{}, "from_id IN ? OR to_id IN ?", ids, ids).Error
}

// LoadRecords returns every persisted record, oldest id first.
func (p *Persister) LoadRecords() ([]*types.MemoryRecord, error) {
	var rows []recordRow
	if err := p.db.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*types.MemoryRecord, 0, len(rows))
	for i := range rows {
		rec, err := fromRow(&rows[i])
		if err != nil {
			p.logger.Warn("skipping undecodable record row",
				zap.String("id", rows[i].ID), zap.Error(err))
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveEdge upserts one graph edge.
func (p *Persister) SaveEdge(edge types.GraphEdge) error {
	row := edgeRow{
		From:      edge.From,
		To:        edge.To,
		Relation:  edge.Relation,
		Strength:  edge.Strength,
		Auto:      edge.Auto,
		CreatedAt: edge.CreatedAt,
	}
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
}

// LoadEdges returns every persisted edge.
func (p *Persister) LoadEdges() ([]types.GraphEdge, error) {
	var rows []edgeRow
	if err := p.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.GraphEdge, 0, len(rows))
	for _, row := range rows {
		out = append(out, types.GraphEdge{
			From:      row.From,
			To:        row.To,
			Relation:  row.Relation,
			Strength:  row.Strength,
			Auto:      row.Auto,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}

// Close releases the underlying connection pool.
func (p *Persister) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec *types.MemoryRecord) (*recordRow, error) {
	row := &recordRow{
		ID:             rec.ID,
		Content:        rec.Content,
		Tier:           string(rec.Tier),
		Importance:     int(rec.Importance),
		CreatedAt:      rec.CreatedAt,
		LastAccessedAt: rec.LastAccessedAt,
		AccessCount:    rec.AccessCount,
		Owner:          rec.Owner,
		AccessMode:     string(rec.AccessMode),
	}
	var err error
	if rec.HasEmbedding() {
		if row.Embedding, err = json.Marshal(rec.Embedding); err != nil {
			return nil, fmt.Errorf("encode embedding: %w", err)
		}
	}
	if len(rec.Tags) > 0 {
		if row.Tags, err = json.Marshal(rec.Tags); err != nil {
			return nil, fmt.Errorf("encode tags: %w", err)
		}
	}
	if len(rec.Metadata) > 0 {
		if row.Metadata, err = json.Marshal(rec.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	return row, nil
}

func fromRow(row *recordRow) (*types.MemoryRecord, error) {
	rec := &types.MemoryRecord{
		ID:             row.ID,
		Content:        row.Content,
		Tier:           types.Tier(row.Tier),
		Importance:     types.Importance(row.Importance),
		CreatedAt:      row.CreatedAt,
		LastAccessedAt: row.LastAccessedAt,
		AccessCount:    row.AccessCount,
		Owner:          row.Owner,
		AccessMode:     types.AccessMode(row.AccessMode),
	}
	if len(row.Embedding) > 0 {
		if err := json.Unmarshal(row.Embedding, &rec.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding: %w", err)
		}
	}
	if len(row.Tags) > 0 {
		if err := json.Unmarshal(row.Tags, &rec.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}
