package internal

import (
	"crypto/rand"
	"math/big"
	mrand "math/rand/v2"
	"sync"
)

// ColorPicker 決定房間建立者的顏色
type ColorPicker interface {
	Pick() Color
}

// ColorPickerFunc 函數形式的 ColorPicker
type ColorPickerFunc func() Color

// Pick 實作 ColorPicker
func (f ColorPickerFunc) Pick() Color {
	return f()
}

// FixedColor 永遠返回同一顏色（測試使用）
func FixedColor(c Color) ColorPicker {
	return ColorPickerFunc(func() Color { return c })
}

// cryptoColorPicker 以 crypto/rand 擲硬幣，玩家無法預測
type cryptoColorPicker struct{}

// NewCryptoColorPicker 預設的 ColorPicker
func NewCryptoColorPicker() ColorPicker {
	return cryptoColorPicker{}
}

func (cryptoColorPicker) Pick() Color {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil || n.Int64() == 0 {
		return ColorWhite
	}
	return ColorBlack
}

// seededColorPicker 可重現的序列
type seededColorPicker struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeededColorPicker 以固定種子產生可重現的顏色序列
func NewSeededColorPicker(seed uint64) ColorPicker {
	return &seededColorPicker{
		rng: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (p *seededColorPicker) Pick() Color {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng.IntN(2) == 0 {
		return ColorWhite
	}
	return ColorBlack
}
