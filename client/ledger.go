package client

import "fmt"

type Mode string

const (
	ModeTesting Mode = "testing"
	ModeReal    Mode = "real"
)

type BundleFeatures struct {
	HasImageGeneration bool   `json:"hasImageGeneration"`
	HasHDImages        bool   `json:"hasHDImages"`
	MaxImageQuality    string `json:"maxImageQuality"`
}

// Settings 额度账本和用户偏好，对应本地快照里的 userSettings
type Settings struct {
	PromptsRemaining int            `json:"promptsRemaining"`
	TotalPrompts     int            `json:"totalPrompts"`
	ImagesRemaining  int            `json:"imagesRemaining"`
	TotalImages      int            `json:"totalImages"`
	Mode             Mode           `json:"mode"`
	SelectedModel    string         `json:"selectedModel"`
	UseCustomAPI     bool           `json:"useCustomApi"`
	CustomAPIKey     string         `json:"customApiKey,omitempty"`
	CurrentBundle    string         `json:"currentBundle,omitempty"`
	BundleFeatures   BundleFeatures `json:"bundleFeatures"`
}

// Bundle 可购买的额度包
type Bundle struct {
	Prompts  int
	Images   int
	Features BundleFeatures
}

var standardImages = BundleFeatures{HasImageGeneration: true, MaxImageQuality: "standard"}

var Bundles = map[string]Bundle{
	"starter":  {Prompts: 100, Images: 0, Features: BundleFeatures{MaxImageQuality: "standard"}},
	"creative": {Prompts: 100, Images: 5, Features: standardImages},
	"pro":      {Prompts: 300, Images: 15, Features: standardImages},
	"vision":   {Prompts: 100, Images: 10, Features: BundleFeatures{HasImageGeneration: true, HasHDImages: true, MaxImageQuality: "hd"}},
	"business": {Prompts: 1000, Images: 30, Features: standardImages},
}

// DefaultSettings 首次启动的账本：测试模式
func DefaultSettings() Settings {
	s := Settings{}
	s.applyMode(ModeTesting)
	s.BundleFeatures.HasImageGeneration = false
	return s
}

// applyMode 切换模式时计数重置为该模式的默认值
func (s *Settings) applyMode(mode Mode) {
	s.Mode = mode
	switch mode {
	case ModeReal:
		s.PromptsRemaining, s.TotalPrompts = 0, 0
		s.ImagesRemaining, s.TotalImages = 0, 0
		s.SelectedModel = "GPT-4o"
		s.BundleFeatures = BundleFeatures{HasImageGeneration: true, HasHDImages: true, MaxImageQuality: "hd"}
	default:
		s.Mode = ModeTesting
		s.PromptsRemaining, s.TotalPrompts = 30, 30
		s.ImagesRemaining, s.TotalImages = 2, 2
		s.SelectedModel = "GPT-5-Nano"
		s.BundleFeatures = standardImages
	}
}

// applyPurchase 额度累加，并切到 real 模式
func (s *Settings) applyPurchase(name string) error {
	b, ok := Bundles[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBundle, name)
	}
	s.PromptsRemaining += b.Prompts
	s.TotalPrompts += b.Prompts
	s.ImagesRemaining += b.Images
	s.TotalImages += b.Images
	s.CurrentBundle = name
	s.BundleFeatures = b.Features
	s.Mode = ModeReal
	return nil
}

func (s *Settings) decrementPrompts() {
	if s.PromptsRemaining > 0 {
		s.PromptsRemaining--
	}
}

func (s *Settings) decrementImages() {
	if s.ImagesRemaining > 0 {
		s.ImagesRemaining--
	}
}

// ImageQuality 当前包允许的最高画质
func (s Settings) ImageQuality() string {
	if s.BundleFeatures.HasHDImages {
		return "hd"
	}
	return "standard"
}

// CanGenerateImages real 模式下必须由额度包开通；测试模式总是允许
func (s Settings) CanGenerateImages() error {
	if s.Mode == ModeReal && !s.BundleFeatures.HasImageGeneration {
		return ErrImagesNotInBundle
	}
	if s.ImagesRemaining <= 0 {
		return ErrNoImages
	}
	return nil
}

func (s Settings) CanSendPrompt() error {
	if s.PromptsRemaining <= 0 {
		return ErrNoPrompts
	}
	return nil
}
