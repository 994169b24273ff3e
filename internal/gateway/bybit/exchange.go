package bybit

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"sniper/internal/gateway/exchange"
	"sniper/internal/logger"
)

const categoryLinear = "linear"

// Name implements exchange.Exchange.
func (c *Client) Name() string { return "bybit" }

type walletResult struct {
	List []struct {
		TotalEquity string `json:"totalEquity"`
		Coin        []struct {
			Coin            string `json:"coin"`
			Equity          string `json:"equity"`
			WalletBalance   string `json:"walletBalance"`
			AvailableToWithdraw string `json:"availableToWithdraw"`
		} `json:"coin"`
	} `json:"list"`
}

// GetBalance 查询统一账户 USDT 权益。
func (c *Client) GetBalance(ctx context.Context) (exchange.Balance, error) {
	q := url.Values{}
	q.Set("accountType", "UNIFIED")
	q.Set("coin", "USDT")
	var res walletResult
	if err := c.doGet(ctx, "/v5/account/wallet-balance", q, &res); err != nil {
		return exchange.Balance{}, err
	}
	bal := exchange.Balance{Coin: "USDT", UpdatedAt: time.Now()}
	for _, acct := range res.List {
		bal.Equity = parseFloat(acct.TotalEquity)
		for _, coin := range acct.Coin {
			if coin.Coin == "USDT" {
				bal.Available = parseFloat(coin.AvailableToWithdraw)
				if bal.Equity == 0 {
					bal.Equity = parseFloat(coin.Equity)
				}
			}
		}
	}
	if bal.Equity <= 0 {
		return bal, fmt.Errorf("bybit 返回的账户权益无效: %v", bal.Equity)
	}
	return bal, nil
}

type tickerResult struct {
	List []struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
		Bid1Price string `json:"bid1Price"`
		Ask1Price string `json:"ask1Price"`
	} `json:"list"`
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	q := url.Values{}
	q.Set("category", categoryLinear)
	q.Set("symbol", symbol)
	var res tickerResult
	if err := c.doGet(ctx, "/v5/market/tickers", q, &res); err != nil {
		return exchange.Ticker{}, err
	}
	if len(res.List) == 0 {
		return exchange.Ticker{}, fmt.Errorf("bybit 未返回 %s 的行情", symbol)
	}
	t := res.List[0]
	last := parseFloat(t.LastPrice)
	if last <= 0 {
		return exchange.Ticker{}, fmt.Errorf("bybit 返回的 %s 价格无效: %s", symbol, t.LastPrice)
	}
	return exchange.Ticker{
		Symbol:    t.Symbol,
		Last:      last,
		Bid:       parseFloat(t.Bid1Price),
		Ask:       parseFloat(t.Ask1Price),
		UpdatedAt: time.Now(),
	}, nil
}

type positionResult struct {
	List []struct {
		Symbol     string `json:"symbol"`
		Side       string `json:"side"`
		Size       string `json:"size"`
		AvgPrice   string `json:"avgPrice"`
		MarkPrice  string `json:"markPrice"`
		Leverage   string `json:"leverage"`
		StopLoss   string `json:"stopLoss"`
		TakeProfit string `json:"takeProfit"`
	} `json:"list"`
}

// GetPosition 查询单向持仓。无仓位时返回 Size==0 的空仓，不报错。
func (c *Client) GetPosition(ctx context.Context, symbol string) (*exchange.Position, error) {
	q := url.Values{}
	q.Set("category", categoryLinear)
	q.Set("symbol", symbol)
	var res positionResult
	if err := c.doGet(ctx, "/v5/position/list", q, &res); err != nil {
		return nil, err
	}
	pos := &exchange.Position{Symbol: symbol, UpdatedAt: time.Now()}
	for _, p := range res.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}
		pos.Side = p.Side
		pos.Size = size
		pos.EntryPrice = parseFloat(p.AvgPrice)
		pos.MarkPrice = parseFloat(p.MarkPrice)
		pos.Leverage = parseFloat(p.Leverage)
		pos.StopLoss = parseFloat(p.StopLoss)
		pos.TakeProfit = parseFloat(p.TakeProfit)
		break
	}
	return pos, nil
}

type instrumentResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		LotSizeFilter struct {
			QtyStep     string `json:"qtyStep"`
			MinOrderQty string `json:"minOrderQty"`
		} `json:"lotSizeFilter"`
		LeverageFilter struct {
			MaxLeverage string `json:"maxLeverage"`
		} `json:"leverageFilter"`
	} `json:"list"`
}

func (c *Client) GetInstrumentRule(ctx context.Context, symbol string) (exchange.InstrumentRule, error) {
	q := url.Values{}
	q.Set("category", categoryLinear)
	q.Set("symbol", symbol)
	var res instrumentResult
	if err := c.doGet(ctx, "/v5/market/instruments-info", q, &res); err != nil {
		return exchange.InstrumentRule{}, err
	}
	if len(res.List) == 0 {
		return exchange.InstrumentRule{}, fmt.Errorf("bybit 未返回 %s 的合约规则", symbol)
	}
	inst := res.List[0]
	rule := exchange.InstrumentRule{
		Symbol:      inst.Symbol,
		QtyStep:     parseFloat(inst.LotSizeFilter.QtyStep),
		MinQty:      parseFloat(inst.LotSizeFilter.MinOrderQty),
		MaxLeverage: parseFloat(inst.LeverageFilter.MaxLeverage),
	}
	if rule.QtyStep <= 0 || rule.MinQty <= 0 {
		return rule, fmt.Errorf("bybit 返回的 %s 合约规则不完整: step=%v min=%v", symbol, rule.QtyStep, rule.MinQty)
	}
	return rule, nil
}

type setLeveragePayload struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	BuyLeverage  string `json:"buyLeverage"`
	SellLeverage string `json:"sellLeverage"`
}

type createOrderPayload struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	StopLoss    string `json:"stopLoss,omitempty"`
	TakeProfit  string `json:"takeProfit,omitempty"`
	ReduceOnly  bool   `json:"reduceOnly,omitempty"`
	TriggerPrice string `json:"triggerPrice,omitempty"`
	TriggerDirection int `json:"triggerDirection,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceMarketOrder 市价开/平仓。带 Leverage 时先设置杠杆再下单。
func (c *Client) PlaceMarketOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	if req.Leverage > 0 {
		lev := formatQty(req.Leverage)
		payload := setLeveragePayload{
			Category:     categoryLinear,
			Symbol:       req.Symbol,
			BuyLeverage:  lev,
			SellLeverage: lev,
		}
		if err := c.doPost(ctx, "/v5/position/set-leverage", payload, nil); err != nil {
			return nil, fmt.Errorf("设置杠杆失败: %w", err)
		}
	}
	payload := createOrderPayload{
		Category:    categoryLinear,
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   "Market",
		Qty:         formatQty(req.Qty),
		ReduceOnly:  req.ReduceOnly,
		OrderLinkID: req.OrderLinkID,
	}
	if req.StopLoss > 0 {
		payload.StopLoss = formatQty(req.StopLoss)
	}
	if req.TakeProfit > 0 {
		payload.TakeProfit = formatQty(req.TakeProfit)
	}
	var res createOrderResult
	if err := c.doPost(ctx, "/v5/order/create", payload, &res); err != nil {
		return nil, err
	}
	logger.Infof("bybit: 市价单已提交 symbol=%s side=%s qty=%s orderId=%s reduceOnly=%v",
		req.Symbol, req.Side, payload.Qty, res.OrderID, req.ReduceOnly)
	return &exchange.OrderResult{OrderID: res.OrderID, OrderLinkID: res.OrderLinkID}, nil
}

// PlaceStopMarketOrder 挂一张条件市价单（备援止损用）。
// triggerDirection: 1=价格上穿触发, 2=价格下穿触发。
func (c *Client) PlaceStopMarketOrder(ctx context.Context, symbol, side string, qty, triggerPrice float64, triggerDirection int) (*exchange.OrderResult, error) {
	payload := createOrderPayload{
		Category:         categoryLinear,
		Symbol:           symbol,
		Side:             side,
		OrderType:        "Market",
		Qty:              formatQty(qty),
		ReduceOnly:       true,
		TriggerPrice:     formatQty(triggerPrice),
		TriggerDirection: triggerDirection,
	}
	var res createOrderResult
	if err := c.doPost(ctx, "/v5/order/create", payload, &res); err != nil {
		return nil, err
	}
	return &exchange.OrderResult{OrderID: res.OrderID, OrderLinkID: res.OrderLinkID}, nil
}

type tradingStopPayload struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	StopLoss    string `json:"stopLoss"`
	PositionIdx int    `json:"positionIdx"`
}

// ModifyStopLoss amends the position-attached stop loss.
func (c *Client) ModifyStopLoss(ctx context.Context, symbol string, stopPrice float64) error {
	payload := tradingStopPayload{
		Category: categoryLinear,
		Symbol:   symbol,
		StopLoss: formatQty(stopPrice),
	}
	return c.doPost(ctx, "/v5/position/trading-stop", payload, nil)
}

type openOrdersResult struct {
	List []struct {
		OrderID      string `json:"orderId"`
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		Qty          string `json:"qty"`
		TriggerPrice string `json:"triggerPrice"`
		ReduceOnly   bool   `json:"reduceOnly"`
		StopOrderType string `json:"stopOrderType"`
	} `json:"list"`
}

// ListStopOrders returns the resting conditional orders for symbol.
func (c *Client) ListStopOrders(ctx context.Context, symbol string) ([]exchange.StopOrder, error) {
	q := url.Values{}
	q.Set("category", categoryLinear)
	q.Set("symbol", symbol)
	q.Set("orderFilter", "StopOrder")
	var res openOrdersResult
	if err := c.doGet(ctx, "/v5/order/realtime", q, &res); err != nil {
		return nil, err
	}
	orders := make([]exchange.StopOrder, 0, len(res.List))
	for _, o := range res.List {
		orders = append(orders, exchange.StopOrder{
			OrderID:      o.OrderID,
			Symbol:       o.Symbol,
			Side:         o.Side,
			TriggerPrice: parseFloat(o.TriggerPrice),
			Qty:          parseFloat(o.Qty),
			ReduceOnly:   o.ReduceOnly,
		})
	}
	return orders, nil
}

type cancelOrderPayload struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
	OrderID  string `json:"orderId"`
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	payload := cancelOrderPayload{Category: categoryLinear, Symbol: symbol, OrderID: orderID}
	return c.doPost(ctx, "/v5/order/cancel", payload, nil)
}
