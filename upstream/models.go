package upstream

import "github.com/KodaTao/daily-assistant/server/config"

// ModelTable 对外模型名到上游模型 ID 的映射
type ModelTable struct {
	Default string
	Aliases map[string]string
}

func NewModelTable(cfg config.ModelsConfig) ModelTable {
	return ModelTable{Default: cfg.Default, Aliases: cfg.Aliases}
}

// Resolve 未知名称回落到默认模型，永不报错
func (t ModelTable) Resolve(name string) string {
	if id, ok := t.Aliases[name]; ok && id != "" {
		return id
	}
	return t.Default
}
