package core

import "slices"

// User is a member of the team the engine assigns work to. Users are read
// mostly; the engine never mutates them.
type User struct {
	// ID is a unique identifier for this user
	ID string `json:"id,omitempty"`

	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`

	IsActive bool `json:"is_active,omitempty"`

	Role string `json:"role,omitempty"`

	Team string `json:"team,omitempty"`

	Skills []string `json:"skills,omitempty"`

	// ManagerID refers to the user's manager, if any. Used for escalation
	// target resolution.
	ManagerID *string `json:"manager_id,omitempty"`

	// MaxConcurrentTasks caps how many active tasks the user should carry.
	// Zero means no cap.
	MaxConcurrentTasks int `json:"max_concurrent_tasks,omitempty"`
}

// Clone returns a deep copy of the user.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}

	c := *u
	c.Skills = slices.Clone(u.Skills)

	if u.ManagerID != nil {
		managerID := *u.ManagerID
		c.ManagerID = &managerID
	}

	return &c
}

// HasSkills reports whether the user carries every one of the given skills.
func (u *User) HasSkills(skills []string) bool {
	for _, skill := range skills {
		if !slices.Contains(u.Skills, skill) {
			return false
		}
	}

	return true
}
