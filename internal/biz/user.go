package biz

type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleBasic Role = "BASIC"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleBasic
}

// UserKind 区分单用户时代遗留的占位用户和正常的具名用户。
type UserKind int

const (
	NamedUser UserKind = iota
	LegacySingleUser
)

// legacyUserName 是占位用户在 users.user_name 里的持久化值
const legacyUserName = ""

type User struct {
	ID          string
	UserName    string
	DisplayName string
	Role        Role
	Enabled     bool
	Owner       bool
}

func (u *User) Kind() UserKind {
	if u.UserName == legacyUserName {
		return LegacySingleUser
	}
	return NamedUser
}

func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// File 即一个 budget 文件，这里只关心归属。
type File struct {
	ID      string
	Name    string
	Owner   string
	Deleted bool
}

// UserAccess 是某个文件上有权限的用户。
type UserAccess struct {
	UserID      string
	UserName    string
	DisplayName string
	Owner       string
}

// UserAccessEntry 用于管理页：所有启用的具名用户，以及是否拥有该文件的访问权限。
type UserAccessEntry struct {
	UserID      string
	UserName    string
	DisplayName string
	HaveAccess  bool
	Owner       bool
}
