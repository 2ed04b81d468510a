package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"jmspos/internal/config"
	"jmspos/internal/model"
	"jmspos/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const unknownKey = "unknown"

// ============================================================================
// 销售统计
// ============================================================================
//
// 销售提交之后异步执行，不阻塞销售本身。
//
// 【幂等】按 sale_id 插入处理标记，标记和增量在同一事务：
//   - 第一次投递：插入标记 -> 累加 -> 提交
//   - 重复投递：标记已存在 -> 跳过
//
// 【合并】
//   - revenue / units / sale_count：UPDATE ... SET x = x + ?，原子累加
//   - breakdown：SELECT ... FOR UPDATE 读出 -> 合并 -> 按 version 写回
//
// 统计是派生数据，丢了可以用 Rebuild 从销售单重算。
// ============================================================================

type AnalyticsService struct {
	db            *gorm.DB
	saleRepo      *repository.SaleRepository
	analyticsRepo *repository.AnalyticsRepository
	cfg           config.AnalyticsConfig
	log           *logrus.Logger
	tracer        trace.Tracer
}

func NewAnalyticsService(db *gorm.DB, cfg config.AnalyticsConfig, log *logrus.Logger) *AnalyticsService {
	if cfg.TopN < 1 {
		cfg.TopN = 10
	}
	if cfg.MaxMergeRetries < 1 {
		cfg.MaxMergeRetries = 5
	}
	return &AnalyticsService{
		db:            db,
		saleRepo:      repository.NewSaleRepository(db),
		analyticsRepo: repository.NewAnalyticsRepository(db),
		cfg:           cfg,
		log:           log,
		tracer:        otel.Tracer("jmspos/service/analytics"),
	}
}

type rollupDelta struct {
	revenue   decimal.Decimal
	units     int
	breakdown map[string]model.BreakdownEntry
}

func (d *rollupDelta) add(sub string, revenue decimal.Decimal, units int) {
	d.revenue = d.revenue.Add(revenue)
	d.units += units
	entry := d.breakdown[sub]
	entry.Revenue = entry.Revenue.Add(revenue)
	entry.Units += units
	d.breakdown[sub] = entry
}

// HandleEvent 解析 sale.completed 消息并计入统计
func (s *AnalyticsService) HandleEvent(ctx context.Context, payload []byte) error {
	var event model.SaleCompletedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
	}
	if event.SaleID <= 0 {
		return fmt.Errorf("%w: 缺少 sale_id: %s", model.ErrMalformedEvent, string(payload))
	}
	_, err := s.ProcessSale(ctx, event.SaleID)
	return err
}

// ProcessSale 把一张销售单计入统计，返回 false 表示之前已经计入过
func (s *AnalyticsService) ProcessSale(ctx context.Context, saleID int64) (bool, error) {
	sale, err := s.saleRepo.GetByID(ctx, saleID)
	if err != nil {
		return false, err
	}
	return s.apply(ctx, sale)
}

func (s *AnalyticsService) apply(ctx context.Context, sale *model.Sale) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "AnalyticsService.apply", trace.WithAttributes(attribute.Int64("sale_id", sale.ID)))
	defer span.End()

	deltas := buildDeltas(sale)

	// 固定加锁顺序，避免两个事务交叉等待
	keys := make([]repository.RollupKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Dimension != keys[j].Dimension {
			return keys[i].Dimension < keys[j].Dimension
		}
		if keys[i].DimKey != keys[j].DimKey {
			return keys[i].DimKey < keys[j].DimKey
		}
		return keys[i].Period < keys[j].Period
	})

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.analyticsRepo.MarkProcessed(ctx, tx, sale.ID)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}

		for _, key := range keys {
			delta := deltas[key]
			if err := s.analyticsRepo.EnsureRollup(ctx, tx, key); err != nil {
				return err
			}
			if err := s.analyticsRepo.AddTotals(ctx, tx, key, delta.revenue, delta.units, 1); err != nil {
				return err
			}
			if err := s.mergeBreakdown(ctx, tx, key, delta.breakdown); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	if !applied {
		s.log.WithFields(logrus.Fields{
			"module":  "AnalyticsService",
			"sale_id": sale.ID,
		}).Debug("销售单已计入统计，跳过重复投递")
	}
	return applied, nil
}

func (s *AnalyticsService) mergeBreakdown(ctx context.Context, tx *gorm.DB, key repository.RollupKey, delta map[string]model.BreakdownEntry) error {
	for attempt := 0; attempt < s.cfg.MaxMergeRetries; attempt++ {
		row, err := s.analyticsRepo.GetForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}

		merged := mergeEntries(row.Breakdown, delta, s.cfg.TopN)
		err = s.analyticsRepo.SaveBreakdown(ctx, tx, row.ID, row.Version, merged)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrRollupVersionConflict) {
			return err
		}
	}
	return fmt.Errorf("合并统计明细失败: %s/%s/%s: %w", key.Dimension, key.DimKey, key.Period, repository.ErrRollupVersionConflict)
}

// buildDeltas 一张销售单对每个统计行的增量
//
//	daily:        日期 -> 品类分布
//	manufacturer: 厂商 + 月份 -> 品类分布
//	category:     品类 + 月份 -> 厂商分布
func buildDeltas(sale *model.Sale) map[repository.RollupKey]*rollupDelta {
	day := sale.CreatedAt.Format("2006-01-02")
	month := sale.CreatedAt.Format("2006-01")

	deltas := make(map[repository.RollupKey]*rollupDelta)
	get := func(k repository.RollupKey) *rollupDelta {
		d, ok := deltas[k]
		if !ok {
			d = &rollupDelta{revenue: decimal.Zero, breakdown: map[string]model.BreakdownEntry{}}
			deltas[k] = d
		}
		return d
	}

	for _, item := range sale.Items {
		manufacturer := orUnknown(item.Manufacturer)
		category := orUnknown(item.Category)

		get(repository.RollupKey{Dimension: model.RollupDaily, DimKey: day, Period: day}).
			add(category, item.LineTotal, item.Quantity)
		get(repository.RollupKey{Dimension: model.RollupManufacturer, DimKey: manufacturer, Period: month}).
			add(category, item.LineTotal, item.Quantity)
		get(repository.RollupKey{Dimension: model.RollupCategory, DimKey: category, Period: month}).
			add(manufacturer, item.LineTotal, item.Quantity)
	}
	return deltas
}

// mergeEntries old + delta，超过 topN 的子类按收入从低到高并入 _other
func mergeEntries(old, delta map[string]model.BreakdownEntry, topN int) map[string]model.BreakdownEntry {
	merged := make(map[string]model.BreakdownEntry, len(old)+len(delta))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range delta {
		e := merged[k]
		e.Revenue = e.Revenue.Add(v.Revenue)
		e.Units += v.Units
		merged[k] = e
	}

	names := make([]string, 0, len(merged))
	for k := range merged {
		if k != model.BreakdownOther {
			names = append(names, k)
		}
	}
	if len(names) <= topN {
		return merged
	}

	sort.Slice(names, func(i, j int) bool {
		ri, rj := merged[names[i]].Revenue, merged[names[j]].Revenue
		if !ri.Equal(rj) {
			return ri.GreaterThan(rj)
		}
		return names[i] < names[j]
	})

	other := merged[model.BreakdownOther]
	for _, name := range names[topN:] {
		e := merged[name]
		other.Revenue = other.Revenue.Add(e.Revenue)
		other.Units += e.Units
		delete(merged, name)
	}
	merged[model.BreakdownOther] = other
	return merged
}

func orUnknown(v string) string {
	if v == "" {
		return unknownKey
	}
	return v
}

const replayPageSize = 200

// CatchUp 补算 since 之后还没计入统计的销售单（消息丢失时兜底）
func (s *AnalyticsService) CatchUp(ctx context.Context, since time.Time) (int, error) {
	processed := 0
	var afterID int64
	for {
		sales, err := s.saleRepo.ListUnprocessedSince(ctx, since, afterID, replayPageSize)
		if err != nil {
			return processed, err
		}
		for _, sale := range sales {
			applied, err := s.apply(ctx, sale)
			if err != nil {
				return processed, fmt.Errorf("补算销售单 %d 失败: %w", sale.ID, err)
			}
			if applied {
				processed++
			}
			afterID = sale.ID
		}
		if len(sales) < replayPageSize {
			return processed, nil
		}
	}
}

// Rebuild 清空全部统计后从销售单重算
func (s *AnalyticsService) Rebuild(ctx context.Context) (int, error) {
	if err := s.analyticsRepo.Reset(ctx, nil); err != nil {
		return 0, fmt.Errorf("清空统计失败: %w", err)
	}
	s.log.WithField("module", "AnalyticsService").Info("统计已清空，开始重建")

	n, err := s.CatchUp(ctx, time.Time{})
	if err != nil {
		return n, err
	}
	s.log.WithFields(logrus.Fields{
		"module": "AnalyticsService",
		"sales":  n,
	}).Info("统计重建完成")
	return n, nil
}

var ErrUnsupportedDimension = errors.New("不支持的统计维度")

// ListRollups dimension 为 daily / manufacturer / category
func (s *AnalyticsService) ListRollups(ctx context.Context, dimension, period string, limit int) ([]*model.AnalyticsRollup, error) {
	switch dimension {
	case model.RollupDaily, model.RollupManufacturer, model.RollupCategory:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDimension, dimension)
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.analyticsRepo.List(ctx, dimension, period, limit)
}
