package upstream

// Source 本次请求使用的凭据来源，只用于日志
type Source string

const (
	SourceCustom Source = "custom"
	SourceServer Source = "server"
)

// SelectCredential 用户自带 key 优先；都没有时返回 ErrNoCredential
func SelectCredential(useCustom bool, customKey, serverKey string) (string, Source, error) {
	if useCustom && customKey != "" {
		return customKey, SourceCustom, nil
	}
	if serverKey != "" {
		return serverKey, SourceServer, nil
	}
	return "", "", ErrNoCredential
}
