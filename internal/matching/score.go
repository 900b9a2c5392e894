package matching

import (
	"math"
	"time"

	"github.com/whisper/randomchat/internal/store"
)

// Score weights.
const (
	interestWeight = 50.0
	ratingWeight   = 5.0
	maxRating      = 5.0
	waitUnit       = 10 * time.Second
	maxWaitBonus   = 5.0
)

// InterestMatch summarises the overlap between two interest sets.
type InterestMatch struct {
	Common []string // shared interests, in the order of the first set
	Union  int
	Ratio  float64 // |common| / |union|, 0 if either set is empty
}

// Rate returns the overlap as a rounded percentage.
func (m InterestMatch) Rate() int {
	return int(math.Round(m.Ratio * 100))
}

// InterestOverlap computes the Jaccard overlap of a and b. Duplicate tags
// count once.
func InterestOverlap(a, b []string) InterestMatch {
	if len(a) == 0 || len(b) == 0 {
		return InterestMatch{}
	}

	inB := make(map[string]struct{}, len(b))
	for _, s := range b {
		inB[s] = struct{}{}
	}

	seen := make(map[string]struct{}, len(a))
	var common []string
	for _, s := range a {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := inB[s]; ok {
			common = append(common, s)
		}
	}

	union := len(seen) + len(inB) - len(common)
	return InterestMatch{
		Common: common,
		Union:  union,
		Ratio:  float64(len(common)) / float64(union),
	}
}

// Score ranks candidate for self. It is a pure function of its inputs:
// up to 50 for interest overlap, up to 25 for the candidate's rating and
// up to 5 for how long the candidate has waited.
func Score(self, candidate *store.User, candidateWait time.Duration) float64 {
	overlap := InterestOverlap(self.Interests, candidate.Interests).Ratio * interestWeight

	rating := math.Max(0, math.Min(candidate.RatingAverage, maxRating)) * ratingWeight

	wait := 0.0
	if candidateWait > 0 {
		wait = math.Min(float64(candidateWait)/float64(waitUnit), maxWaitBonus)
	}

	return overlap + rating + wait
}
