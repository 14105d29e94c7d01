package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"mallflow/internal/config"
	"mallflow/internal/model"

	"gorm.io/gorm"
)

// TableSpec whitelists what an export may read from a table. Columns must
// include "id", which drives the paging cursor.
type TableSpec struct {
	Table      string
	Columns    []string
	Filterable []string
}

var (
	UserTable = TableSpec{
		Table:      "users",
		Columns:    []string{"id", "username", "nickname", "email", "mobile", "status", "created_at"},
		Filterable: []string{"status", "dept_id"},
	}
	ProductTable = TableSpec{
		Table:      "products",
		Columns:    []string{"id", "name", "category_id", "brand_id", "price", "stock", "status", "created_at"},
		Filterable: []string{"status", "category_id", "brand_id"},
	}
)

// TableExporter writes the rows of one table matching the task's equality
// filters to CSV and uploads the file.
type TableExporter struct {
	db       *gorm.DB
	store    ObjectStore
	spec     TableSpec
	prefix   string
	pageSize int
	now      func() time.Time
}

func NewTableExporter(db *gorm.DB, store ObjectStore, spec TableSpec, cfg config.ExportConfig) *TableExporter {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	return &TableExporter{
		db:       db,
		store:    store,
		spec:     spec,
		prefix:   cfg.Prefix,
		pageSize: pageSize,
		now:      time.Now,
	}
}

// RegisterDefaults wires the built-in table exports. store may be nil, in
// which case those tasks fail permanently.
func RegisterDefaults(reg *Registry, db *gorm.DB, store ObjectStore, cfg config.ExportConfig) {
	reg.Register(model.BizUser, NewTableExporter(db, store, UserTable, cfg))
	reg.Register(model.BizProduct, NewTableExporter(db, store, ProductTable, cfg))
}

func (e *TableExporter) Run(ctx context.Context, task *model.Task) (string, error) {
	if e.store == nil {
		return "", Permanent(ErrNoBucket)
	}
	filters, err := e.parseFilters(task.RequestParam)
	if err != nil {
		return "", Permanent(err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(e.spec.Columns); err != nil {
		return "", err
	}

	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		q := e.db.WithContext(ctx).Table(e.spec.Table).Select(e.spec.Columns).Where("id > ?", cursor)
		for _, f := range filters {
			q = q.Where(f.column+" = ?", f.value)
		}
		var rows []map[string]any
		if err := q.Order("id ASC").Limit(e.pageSize).Find(&rows).Error; err != nil {
			return "", fmt.Errorf("read %s: %w", e.spec.Table, err)
		}

		for _, row := range rows {
			record := make([]string, len(e.spec.Columns))
			for i, col := range e.spec.Columns {
				record[i] = formatCell(row[col])
			}
			if err := w.Write(record); err != nil {
				return "", err
			}
		}
		if len(rows) < e.pageSize {
			break
		}
		next, ok := toInt64(rows[len(rows)-1]["id"])
		if !ok {
			return "", Permanent(fmt.Errorf("table %s has no integer id column", e.spec.Table))
		}
		cursor = next
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s/%s/%d-%s.csv", e.prefix, task.BizType, task.ID, e.now().UTC().Format("20060102150405"))
	return e.store.Put(ctx, key, buf.Bytes(), "text/csv")
}

type filter struct {
	column string
	value  any
}

func (e *TableExporter) parseFilters(raw string) ([]filter, error) {
	if raw == "" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("export params must be a JSON object: %w", err)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]filter, 0, len(keys))
	for _, k := range keys {
		if !slices.Contains(e.spec.Filterable, k) {
			return nil, fmt.Errorf("export of %s cannot filter on %q", e.spec.Table, k)
		}
		switch v := params[k].(type) {
		case string, float64, bool:
			out = append(out, filter{column: k, value: v})
		default:
			return nil, fmt.Errorf("export filter %q must be a scalar", k)
		}
	}
	return out, nil
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprint(val)
	}
}

func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case uint64:
		return int64(val), true
	case uint32:
		return int64(val), true
	case float64:
		return int64(val), true
	case []byte:
		n, err := strconv.ParseInt(string(val), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(val, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
