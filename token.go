package bifrost

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"
)

// hourBucketLayout renders a 2-digit year and zero-padded month, day and hour.
const hourBucketLayout = "06-01-02 15"

// boundaryRoundForwardMinute is the minute from which a boundary retry signs
// with the next hour instead of the current one.
const boundaryRoundForwardMinute = 58

// FormatHourBucket renders the UTC hour containing t, e.g. "26-02-21 14".
func FormatHourBucket(t time.Time) string {
	return t.UTC().Format(hourBucketLayout)
}

// SignUpstreamToken computes the upstream auth token:
// base64(hex(HMAC-SHA256(key = identity + ":" + hourBucket, msg = credential))).
// The base64 step encodes the ASCII hex string, not the raw digest.
func SignUpstreamToken(credential, identity string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(identity+":"+FormatHourBucket(at)))
	mac.Write([]byte(credential))
	digest := hex.EncodeToString(mac.Sum(nil))
	return base64.StdEncoding.EncodeToString([]byte(digest))
}

// IsNearHourBoundary reports whether t is within margin of a UTC hour
// boundary, at minute granularity.
func IsNearHourBoundary(t time.Time, margin time.Duration) bool {
	m := int(margin / time.Minute)
	minute := t.UTC().Minute()
	return minute < m || minute >= 60-m
}

// BoundaryRetryTime is the instant whose hour bucket signs the single retry
// after an auth failure near a boundary: the top of the next hour from
// minute 58 on, the top of the current hour otherwise.
func BoundaryRetryTime(t time.Time) time.Time {
	u := t.UTC()
	top := time.Date(u.Year(), u.Month(), u.Day(), u.Hour(), 0, 0, 0, time.UTC)
	if u.Minute() >= boundaryRoundForwardMinute {
		return top.Add(time.Hour)
	}
	return top
}
