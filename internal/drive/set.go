package drive

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gftdcojp/hybrid-tiered-storage/internal/types"
)

// Set is the fixed collection of drives configured at startup. Drive ids are
// positions in the set.
type Set struct {
	drives []*Drive
}

func NewSet(drives []*Drive) *Set {
	return &Set{drives: drives}
}

func (s *Set) All() []*Drive {
	return s.drives
}

func (s *Set) Get(id int) (*Drive, error) {
	if id < 0 || id >= len(s.drives) {
		return nil, fmt.Errorf("drive %d: %w", id, ErrNoDrive)
	}
	return s.drives[id], nil
}

// Tier returns the drives of one tier in id order.
func (s *Set) Tier(t types.Tier) []*Drive {
	var out []*Drive
	for _, d := range s.drives {
		if d.Tier == t {
			out = append(out, d)
		}
	}
	return out
}

// Best picks the drive a new chunk of tier t is assigned to: the one with the
// most free space.
func (s *Set) Best(t types.Tier) (*Drive, error) {
	return s.MostFree(t)
}

// MostFree returns the drive of tier t with the greatest free fraction. Ties
// go to the lower id.
func (s *Set) MostFree(t types.Tier) (*Drive, error) {
	var best *Drive
	for _, d := range s.drives {
		if d.Tier != t {
			continue
		}
		if best == nil || d.FreeFraction() > best.FreeFraction() {
			best = d
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%s tier: %w", t, ErrNoDrive)
	}
	return best, nil
}

// Pressured returns fast drives whose free fraction is below watermark,
// most pressured first.
func (s *Set) Pressured(watermark float64) []*Drive {
	var out []*Drive
	for _, d := range s.Tier(types.TierFast) {
		if d.FreeFraction() < watermark {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FreeFraction() < out[j].FreeFraction()
	})
	return out
}

// Close closes every drive and returns the joined errors.
func (s *Set) Close() error {
	var errs []error
	for _, d := range s.drives {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
