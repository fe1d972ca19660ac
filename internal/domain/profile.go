package domain

// Role is the target position the simulation exercises. Supplied by the
// upstream diagnosis step; read-only here.
type Role struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// CVProfile is a snapshot of the user's profile taken when the simulation
// starts. Supplied by the upstream diagnosis step; read-only here.
type CVProfile struct {
	Summary    string   `json:"summary"`
	Skills     []string `json:"skills,omitempty"`
	Experience string   `json:"experience,omitempty"`
}

// Valid reports whether a role carries the data required to run a session.
func (r Role) Valid() bool {
	return r.Title != ""
}

// Valid reports whether a profile carries the data required to run a session.
func (p CVProfile) Valid() bool {
	return p.Summary != "" || len(p.Skills) > 0
}
