package backup

import (
	"strconv"

	"github.com/im7mortal/kmutex"
)

// keyedLocks serializes work per tenant and per archive name
type keyedLocks struct {
	km *kmutex.Kmutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{km: kmutex.New()}
}

// tenant locks restore and import for one tenant
func (l *keyedLocks) tenant(tenantID int64) func() {
	key := "tenant:" + strconv.FormatInt(tenantID, 10)
	l.km.Lock(key)
	return func() { l.km.Unlock(key) }
}

// archive locks creation of one archive name
func (l *keyedLocks) archive(name string) func() {
	key := "archive:" + name
	l.km.Lock(key)
	return func() { l.km.Unlock(key) }
}
