package domain

// Role is a participant's permission tier inside a space.
type Role string

const (
	RoleListener Role = "listener"
	RoleSpeaker  Role = "speaker"
	RoleCoHost   Role = "co_host"
	RoleHost     Role = "host"
)

func (r Role) Valid() bool {
	switch r {
	case RoleListener, RoleSpeaker, RoleCoHost, RoleHost:
		return true
	}
	return false
}

// CanSpeak reports whether the role publishes audio.
func (r Role) CanSpeak() bool {
	return r == RoleSpeaker || r == RoleCoHost || r == RoleHost
}

// CanModerate reports whether the role may promote, remove and resolve requests.
func (r Role) CanModerate() bool {
	return r == RoleCoHost || r == RoleHost
}

// OrListener maps the zero value to the default role.
func (r Role) OrListener() Role {
	if r == "" {
		return RoleListener
	}
	return r
}
