package handler

import (
	"strconv"

	"batcher-core/internal/handler/request"
	"batcher-core/internal/handler/response"
	"batcher-core/internal/model"
	"batcher-core/internal/service"
	"batcher-core/pkg/crypto_util"
	"batcher-core/pkg/errno"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

var satoshiPerBTC = decimal.NewFromInt(100_000_000)

// 链上金额上限 (2100 万 BTC)，超过必然是调用方的单位错误
var maxSatoshi = decimal.NewFromInt(21_000_000).Mul(satoshiPerBTC)

type PaymentHandler struct {
	svc *service.PaymentService
}

func NewPaymentHandler(svc *service.PaymentService) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

// APIPasswordMiddleware 校验 X-Api-Password 请求头。
// 配置未设置口令时放行所有请求 (本地开发)。
func APIPasswordMiddleware(password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if password != "" && !crypto_util.SecureCompare(c.GetHeader("X-Api-Password"), password) {
			response.Error(c, errno.ErrAPIPassword)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Presend 干跑估费
// @Summary 估算一笔支付的手续费份额
// @Description 计算当前排队集合加上这笔支付后的费用分摊，不入账不广播
// @Tags Payment
// @Accept json
// @Produce json
// @Param request body request.PresendRequest true "Presend Request"
// @Success 200 {object} response.Response
// @Router /api/v1/presend [post]
func (h *PaymentHandler) Presend(c *gin.Context) {
	// 1. 绑定参数
	var req request.PresendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	// 2. BTC -> 聪
	amountSat, err := toSatoshi(req.Amount)
	if err != nil {
		response.Error(c, err)
		return
	}

	// 3. 调用 Service
	res, err := h.svc.Estimate(c.Request.Context(), req.WalletID, req.ToAddress, amountSat)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"fee":             satToBTC(res.FeeSat),
		"total_fee":       satToBTC(res.TotalFeeSat),
		"fee_ratio_bps":   res.FeeRatioBps,
		"would_broadcast": res.WouldBroadcast,
		"batch_size":      res.BatchSize,
	})
}

// Send 受理一笔支付
// @Summary 受理支付并跑一次合并决策
// @Description 请求先入账 (queued)，阈值满足或容量触顶时连同排队集合一起广播
// @Tags Payment
// @Accept json
// @Produce json
// @Param request body request.SendRequest true "Send Request"
// @Success 200 {object} response.Response
// @Router /api/v1/send [post]
func (h *PaymentHandler) Send(c *gin.Context) {
	var req request.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	amountSat, err := toSatoshi(req.Amount)
	if err != nil {
		response.Error(c, err)
		return
	}

	res, err := h.svc.Submit(c.Request.Context(), req.WalletID, req.ToAddress, amountSat)
	if err != nil {
		if res != nil && res.RequestID != 0 {
			// 请求已受理但这一轮没广播成: request_id 必须带回去，
			// 调用方据此轮询 /tx/:id
			response.ErrorWithData(c, err, gin.H{"request_id": res.RequestID})
			return
		}
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{
		"request_id":    res.RequestID,
		"broadcast":     res.Broadcast,
		"txid":          res.Txid,
		"fee":           satToBTC(res.FeeSat),
		"fee_ratio_bps": res.FeeRatioBps,
	})
}

// Status 单条请求状态
// @Summary 按 ID 查询支付请求
// @Tags Payment
// @Produce json
// @Param id path int true "Request ID"
// @Success 200 {object} response.Response
// @Router /api/v1/tx/{id} [get]
func (h *PaymentHandler) Status(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	row, err := h.svc.Status(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, paymentView(row))
}

// History 最近请求列表
// @Summary 最近的支付请求，最新的在前
// @Tags Payment
// @Produce json
// @Param limit query int false "Max rows (default 100)"
// @Success 200 {object} response.Response
// @Router /api/v1/history [get]
func (h *PaymentHandler) History(c *gin.Context) {
	var q request.HistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, errno.ErrBind)
		return
	}

	rows, err := h.svc.History(c.Request.Context(), q.Limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	views := make([]gin.H, 0, len(rows))
	for i := range rows {
		views = append(views, paymentView(&rows[i]))
	}
	response.Success(c, gin.H{"requests": views})
}

// toSatoshi 把调用方给的 BTC 金额换算成聪，拒绝超出一聪精度的值
func toSatoshi(amount decimal.Decimal) (int64, error) {
	sat := amount.Mul(satoshiPerBTC)
	if !sat.IsInteger() {
		return 0, errno.ErrInvalidAmount
	}
	if sat.LessThan(decimal.NewFromInt(1)) || sat.GreaterThan(maxSatoshi) {
		return 0, errno.ErrInvalidAmount
	}
	return sat.IntPart(), nil
}

func satToBTC(sat int64) string {
	return decimal.NewFromInt(sat).Div(satoshiPerBTC).String()
}

func paymentView(r *model.PaymentRequest) gin.H {
	v := gin.H{
		"id":         r.ID,
		"wallet_id":  r.WalletID,
		"to_address": r.Address,
		"amount":     satToBTC(r.AmountSat),
		"status":     r.Status,
		"created_at": r.CreatedAt,
		"updated_at": r.UpdatedAt,
	}
	if r.Status == model.StatusSent {
		v["txid"] = r.Txid
		v["fee"] = satToBTC(r.FeeSat)
	}
	return v
}
