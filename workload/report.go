package workload

import (
	"context"
	"fmt"
)

// UserLoad is one user's entry in a team report.
type UserLoad struct {
	UserID  string   `json:"user_id"`
	Name    string   `json:"name"`
	Metrics *Metrics `json:"metrics"`
	Score   float64  `json:"score"`
}

// Report summarizes how evenly work is spread over a set of users.
type Report struct {
	Users []*UserLoad `json:"users"`

	Average float64 `json:"average"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`

	// BalanceRatio is (max-min)/max; 0 means perfectly balanced (or an empty
	// team).
	BalanceRatio float64 `json:"balance_ratio"`
}

// TeamReport computes per-user workload scores and balance statistics for the
// given users. Inactive users are skipped.
func (b *Balancer) TeamReport(ctx context.Context, userIDs []string) (*Report, error) {
	r := &Report{}

	for _, id := range userIDs {
		user, err := b.store.GetUser(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading user %s: %w", id, err)
		}

		if !user.IsActive {
			continue
		}

		m, err := b.GetMetrics(ctx, id)
		if err != nil {
			return nil, err
		}

		r.Users = append(r.Users, &UserLoad{
			UserID:  user.ID,
			Name:    user.Name,
			Metrics: m,
			Score:   m.Score(),
		})
	}

	if len(r.Users) == 0 {
		return r, nil
	}

	total := 0.0
	r.Min = r.Users[0].Score
	for _, u := range r.Users {
		total += u.Score

		if u.Score > r.Max {
			r.Max = u.Score
		}

		if u.Score < r.Min {
			r.Min = u.Score
		}
	}

	r.Average = total / float64(len(r.Users))

	if r.Max > 0 {
		r.BalanceRatio = (r.Max - r.Min) / r.Max
	}

	return r, nil
}
