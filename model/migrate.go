package model

import "gorm.io/gorm"

// allModels lists every model to be auto-migrated.
var allModels = []interface{}{
	&User{},
	&Friendship{},
	&FriendRequest{},
	&BlockedUser{},
	&UserPresence{},
	&UserPresenceSettings{},
	&FriendNotification{},
	&FriendActivity{},
	&SocketSession{},
	&AuditLog{},
}

// AutoMigrate creates or updates all tables in the given database.
// Running it at startup replaces any runtime schema-existence probing:
// after it returns every table the service touches is known to exist.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(allModels...)
}
