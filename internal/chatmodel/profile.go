package chatmodel

import (
	"strings"
	"time"
)

// UserProfile is the denormalised user record the core caches and carries on
// message envelopes. Identity is the matricule (external employee id).
type UserProfile struct {
	ID        string    `json:"id" db:"id"`
	Nom       string    `json:"nom" db:"nom"`
	Prenom    string    `json:"prenom" db:"prenom"`
	FullName  string    `json:"fullName" db:"full_name"`
	Avatar    string    `json:"avatar,omitempty" db:"avatar"`
	Matricule string    `json:"matricule" db:"matricule"`
	Ministere string    `json:"ministere,omitempty" db:"ministere"`
	Sexe      string    `json:"sexe,omitempty" db:"sexe"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// EffectiveFullName returns FullName, computing it from Prenom/Nom if absent.
func (p *UserProfile) EffectiveFullName() string {
	if strings.TrimSpace(p.FullName) != "" {
		return p.FullName
	}
	return strings.TrimSpace(p.Prenom + " " + p.Nom)
}

// ProfileCacheTTL is the default TTL for cached user profile hashes.
const ProfileCacheTTL = 7 * 24 * time.Hour
