package thumbnail

import (
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

const (
	// 统一的缩略图尺寸，16:9
	thumbWidth  = 480
	thumbHeight = 270
)

// Normalize 打开源图片，等比缩放到统一宽度后保存到目标路径
func Normalize(srcPath, dstPath string) error {
	img, err := imaging.Open(srcPath)
	if err != nil {
		return fmt.Errorf("打开图片失败: %w", err)
	}

	resized := imaging.Resize(img, thumbWidth, 0, imaging.Lanczos)

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("创建缩略图目录失败: %w", err)
	}
	if err := imaging.Save(resized, dstPath); err != nil {
		return fmt.Errorf("保存缩略图失败: %w", err)
	}
	return nil
}

// GeneratePlaceholder 为没有缩略图的媒体生成占位封面，
// 颜色由种子字符串决定，同一媒体生成的封面稳定不变
func GeneratePlaceholder(seed, dstPath string) error {
	h := fnv.New32a()
	h.Write([]byte(seed))
	sum := h.Sum32()

	// 基于哈希取色相，保持适中的饱和度和亮度
	hue := float64(sum%360) / 360.0

	dc := gg.NewContext(thumbWidth, thumbHeight)
	dc.SetRGB(hsvToRGB(hue, 0.45, 0.35))
	dc.Clear()

	// 叠加几条声波条，避免纯色块
	dc.SetRGB(hsvToRGB(hue, 0.35, 0.75))
	barCount := 24
	barWidth := float64(thumbWidth) / float64(barCount*2)
	for i := 0; i < barCount; i++ {
		// 条高由哈希逐位推导
		height := float64(16+(sum>>(i%28))%96) + float64(i%5)*8
		x := barWidth/2 + float64(i)*barWidth*2
		y := float64(thumbHeight)/2 - height/2
		dc.DrawRoundedRectangle(x, y, barWidth, height, barWidth/2)
		dc.Fill()
	}

	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return fmt.Errorf("创建缩略图目录失败: %w", err)
	}
	if err := dc.SavePNG(dstPath); err != nil {
		return fmt.Errorf("保存占位封面失败: %w", err)
	}
	return nil
}

// hsvToRGB 把 HSV 转成 0-1 区间的 RGB 分量，h/s/v 均取 0-1
func hsvToRGB(h, s, v float64) (r, g, b float64) {
	i := math.Floor(h * 6)
	f := h*6 - i
	p := v * (1 - s)
	q := v * (1 - f*s)
	t := v * (1 - (1-f)*s)

	switch int(i) % 6 {
	case 0:
		return v, t, p
	case 1:
		return q, v, p
	case 2:
		return p, v, t
	case 3:
		return p, q, v
	case 4:
		return t, p, v
	default:
		return v, p, q
	}
}
