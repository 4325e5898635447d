package resolver

import "fmt"

// ResolveErrorKind 解析错误分类
type ResolveErrorKind int

const (
	// ErrUnresolvable 所有客户端都未能给出可播放URL
	ErrUnresolvable ResolveErrorKind = iota
	// ErrExpiredMidFlight URL在使用中过期，调用方应触发一次静默重解析
	ErrExpiredMidFlight
	// ErrNetwork 网络层失败
	ErrNetwork
	// ErrQuotaOrGeo 配额或地区限制
	ErrQuotaOrGeo
)

func (k ResolveErrorKind) String() string {
	switch k {
	case ErrExpiredMidFlight:
		return "expired_mid_flight"
	case ErrNetwork:
		return "network"
	case ErrQuotaOrGeo:
		return "quota_or_geo"
	default:
		return "unresolvable"
	}
}

// ResolveError 携带分类的解析错误
type ResolveError struct {
	Kind    ResolveErrorKind
	TrackID string
	Err     error
}

func (e *ResolveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("解析失败 (%s, track=%s): %v", e.Kind, e.TrackID, e.Err)
	}
	return fmt.Sprintf("解析失败 (%s, track=%s)", e.Kind, e.TrackID)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// KindOf 返回错误的解析分类，非 ResolveError 一律按网络错误处理
func KindOf(err error) ResolveErrorKind {
	if re, ok := err.(*ResolveError); ok {
		return re.Kind
	}
	return ErrNetwork
}
