package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"btc-order-service/internal/models"
	"btc-order-service/internal/util"

	"go.uber.org/zap"
)

// LinkStore is the slice of the store the allocator needs.
type LinkStore interface {
	GetLocation(ctx context.Context, id int64) (*models.Location, error)
	GetUsedLinks(ctx context.Context, locationID int64) (map[string]struct{}, error)
	ClaimLink(ctx context.Context, locationID int64, link string) error
}

// Allocator hands out each content link of a location at most once. The scan
// is linear (link lists are small); the claim itself is an atomic unique
// insert, retried against the next free link when a concurrent caller wins.
type Allocator struct {
	store  LinkStore
	logger *zap.Logger
}

func NewAllocator(store LinkStore) *Allocator {
	return &Allocator{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Allocate returns one previously unclaimed link of the location, or
// models.ErrNoLinksAvailable once every link is handed out.
func (a *Allocator) Allocate(ctx context.Context, locationID int64) (string, error) {
	location, err := a.store.GetLocation(ctx, locationID)
	if err != nil {
		return "", fmt.Errorf("failed to load location: %w", err)
	}
	if !location.IsActive {
		return "", models.ErrNoLinksAvailable
	}

	used, err := a.store.GetUsedLinks(ctx, locationID)
	if err != nil {
		return "", fmt.Errorf("failed to load used links: %w", err)
	}

	for _, link := range location.ContentLinks {
		if _, taken := used[link]; taken {
			continue
		}

		err := a.store.ClaimLink(ctx, locationID, link)
		if errors.Is(err, models.ErrLinkAlreadyClaimed) {
			// Concurrent caller won this link, try the next one
			continue
		}
		if err != nil {
			return "", err
		}

		util.LinksAllocatedTotal.Inc()
		return link, nil
	}

	util.LinksExhaustedTotal.WithLabelValues(strconv.FormatInt(locationID, 10)).Inc()
	a.logger.Warn("No content links left in location, awaiting resupply",
		zap.Int64("location_id", locationID))
	return "", models.ErrNoLinksAvailable
}
