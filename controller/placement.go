package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/yusiwen/streamctl/lifecycle"
	"github.com/yusiwen/streamctl/log"
	"github.com/yusiwen/streamctl/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// recountSlots derives current_streams for one VPS from the streams table
// and stores it.
func recountSlots(tx *gorm.DB, vpsID uint) (int, error) {
	var n int64
	err := tx.Model(&models.StreamConfiguration{}).
		Where("vps_server_id = ? AND status IN ?", vpsID, lifecycle.SlotStatuses).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count slots of vps %d: %w", vpsID, err)
	}
	err = tx.Model(&models.VpsServer{}).Where("id = ?", vpsID).UpdateColumn("current_streams", n).Error
	if err != nil {
		return 0, fmt.Errorf("store slots of vps %d: %w", vpsID, err)
	}
	return int(n), nil
}

type slotCount struct {
	VpsServerID uint
	N           int
}

func slotLoads(tx *gorm.DB) (map[uint]int, error) {
	var rows []slotCount
	err := tx.Model(&models.StreamConfiguration{}).
		Select("vps_server_id, count(*) as n").
		Where("vps_server_id IS NOT NULL AND status IN ?", lifecycle.SlotStatuses).
		Group("vps_server_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	loads := make(map[uint]int, len(rows))
	for _, r := range rows {
		loads[r.VpsServerID] = r.N
	}
	return loads, nil
}

// lockedVps loads a VPS row, taking a row lock where the dialect has one.
// Every transition rewrites current_streams on the VPS row it touches, so
// a locked read sees the count last committed by any process.
func lockedVps(tx *gorm.DB, id uint) (*models.VpsServer, error) {
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	vps := &models.VpsServer{}
	err := q.First(vps, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrVpsNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return vps, nil
}

// claim locks a VPS and checks it can take one more stream, counting the
// larger of the stored and derived load.
func claim(tx *gorm.DB, id uint, loads map[uint]int) (*models.VpsServer, error) {
	vps, err := lockedVps(tx, id)
	if err != nil {
		return nil, err
	}
	if !vps.Schedulable() {
		return nil, fmt.Errorf("%w: %d is %s", ErrVpsInactive, vps.ID, vps.Status)
	}
	if loads[vps.ID] > vps.CurrentStreams {
		vps.CurrentStreams = loads[vps.ID]
	}
	if !vps.HasCapacity() {
		return nil, fmt.Errorf("%w: vps %d is full", ErrNoCapacity, vps.ID)
	}
	return vps, nil
}

// pickVps chooses where a stream starts. An explicit request must name a
// schedulable VPS with a free slot; otherwise the least loaded schedulable
// VPS wins, preferring those with fresh telemetry. The chosen VPS row stays
// locked until the transaction ends.
func (c *Controller) pickVps(ctx context.Context, tx *gorm.DB, requested *uint) (*models.VpsServer, error) {
	loads, err := slotLoads(tx)
	if err != nil {
		return nil, err
	}

	if requested != nil {
		return claim(tx, *requested, loads)
	}

	var all []models.VpsServer
	err = tx.Where("is_active = ? AND status = ?", true, models.VpsActive).Order("id").Find(&all).Error
	if err != nil {
		return nil, err
	}
	var free []models.VpsServer
	for _, v := range all {
		if loads[v.ID] > v.CurrentStreams {
			v.CurrentStreams = loads[v.ID]
		}
		if v.HasCapacity() {
			free = append(free, v)
		}
	}
	if len(free) == 0 {
		return nil, ErrNoCapacity
	}

	if c.online != nil {
		ids := make([]uint, 0, len(free))
		for _, v := range free {
			ids = append(ids, v.ID)
		}
		online := c.online(ctx, ids)
		var fresh []models.VpsServer
		for _, v := range free {
			if online[v.ID] {
				fresh = append(fresh, v)
			}
		}
		if len(fresh) > 0 {
			free = fresh
		} else {
			log.Warn("no VPS with fresh telemetry, placing by load only")
		}
	}

	sort.SliceStable(free, func(i, j int) bool {
		return free[i].CurrentStreams < free[j].CurrentStreams
	})
	for _, v := range free {
		vps, err := claim(tx, v.ID, loads)
		if errors.Is(err, ErrNoCapacity) || errors.Is(err, ErrVpsInactive) || errors.Is(err, ErrVpsNotFound) {
			continue
		}
		return vps, err
	}
	return nil, ErrNoCapacity
}

// RecomputeSlots corrects current_streams of one VPS.
func (c *Controller) RecomputeSlots(ctx context.Context, vpsID uint) (n int, err error) {
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&models.VpsServer{}, vpsID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %d", ErrVpsNotFound, vpsID)
			}
			return err
		}
		n, err = recountSlots(tx, vpsID)
		return err
	})
	return
}

// RecomputeAllSlots corrects current_streams across the fleet and returns
// the new value per VPS.
func (c *Controller) RecomputeAllSlots(ctx context.Context) (map[uint]int, error) {
	counts := map[uint]int{}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&models.VpsServer{}).Pluck("id", &ids).Error; err != nil {
			return err
		}
		for _, id := range ids {
			n, err := recountSlots(tx, id)
			if err != nil {
				return err
			}
			counts[id] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
