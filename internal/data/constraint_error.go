package data

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

func isDuplicateUserNameConstraint(err error) bool {
	return isDuplicateUniqueConstraint(err, "users.user_name")
}

func isDuplicateUserAccessConstraint(err error) bool {
	return isDuplicateUniqueConstraint(err, "user_access.user_id", "user_access.file_id")
}

func isDuplicateUniqueConstraint(err error, keys ...string) bool {
	var se *sqlite.Error
	if err == nil || !errors.As(err, &se) {
		return false
	}

	// 仅识别唯一键 / 主键冲突，外键等其他约束错误不算“重复”。
	if se.Code() != sqlite3.SQLITE_CONSTRAINT_UNIQUE && se.Code() != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return false
	}

	msg := strings.ToLower(se.Error())
	for _, key := range keys {
		if strings.Contains(msg, strings.ToLower(key)) {
			return true
		}
	}
	return false
}
