package matching

import "github.com/whisper/randomchat/internal/store"

// GenderAny is the explicit "no preference" gender value.
const GenderAny = "any"

// Filter holds a user's partner preferences. Empty fields impose no
// constraint.
type Filter struct {
	PreferredGender        string
	PreferredPersonalities []string
	PreferredInterests     []string
}

// WantsGender reports whether the filter constrains the partner's gender.
// Such filters are charged points.
func (f Filter) WantsGender() bool {
	return f.PreferredGender != "" && f.PreferredGender != GenderAny
}

// Accepts reports whether u satisfies every constraint in the filter.
func (f Filter) Accepts(u *store.User) bool {
	if f.WantsGender() && u.Gender != f.PreferredGender {
		return false
	}
	if len(f.PreferredPersonalities) > 0 && !contains(f.PreferredPersonalities, u.Personality) {
		return false
	}
	if len(f.PreferredInterests) > 0 && !overlaps(f.PreferredInterests, u.Interests) {
		return false
	}
	return true
}

// compatible applies both sides' filters to each other.
func compatible(a, b Entry) bool {
	return a.Filter.Accepts(b.User) && b.Filter.Accepts(a.User)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	for _, s := range a {
		if contains(b, s) {
			return true
		}
	}
	return false
}
