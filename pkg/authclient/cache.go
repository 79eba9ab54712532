package authclient

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jakobscode/gnss-tracker/pkg/models"
)

// resultCache keeps positive verifications and owner lookups for a short
// time. Negative answers are never cached so a newly enabled key works on
// its next request.
type resultCache struct {
	cache *cache.Cache
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		return &resultCache{}
	}
	return &resultCache{cache: cache.New(ttl, 2*ttl)}
}

func verifyKey(keyHash string, c models.Capability) string {
	return "verify:" + keyHash + ":" + string(c)
}

func ownerKey(credentialID string) string {
	return "owner:" + credentialID
}

func (r *resultCache) verification(key string) (models.Verification, bool) {
	if r.cache == nil {
		return models.Verification{}, false
	}
	v, ok := r.cache.Get(key)
	if !ok {
		return models.Verification{}, false
	}
	return v.(models.Verification), true
}

func (r *resultCache) setVerification(key string, v models.Verification) {
	if r.cache != nil {
		r.cache.SetDefault(key, v)
	}
}

func (r *resultCache) owner(credentialID string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	v, ok := r.cache.Get(ownerKey(credentialID))
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (r *resultCache) setOwner(credentialID, owner string) {
	if r.cache != nil {
		r.cache.SetDefault(ownerKey(credentialID), owner)
	}
}
