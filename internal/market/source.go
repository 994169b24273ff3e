package market

import "context"

// Source 提供历史 K 线。形态复核与大盘状态分类都只需要 REST 历史数据。
type Source interface {
	FetchHistory(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}
