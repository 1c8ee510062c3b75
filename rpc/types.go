package rpc

import (
	"bytes"
	"encoding/hex"
	"encoding/json"

	"htlcd/native/escrow"
)

func jsonUnmarshalStrict(raw json.RawMessage, out interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

type escrowPayload struct {
	OrderHash        string `json:"orderHash"`
	Hashlock         string `json:"hashlock"`
	Maker            string `json:"maker"`
	Taker            string `json:"taker"`
	Token            string `json:"token"`
	Amount           string `json:"amount"`
	SafetyDeposit    string `json:"safetyDeposit"`
	Withdrawal       uint64 `json:"withdrawal"`
	PublicWithdrawal uint64 `json:"publicWithdrawal"`
	Cancellation     uint64 `json:"cancellation"`
	DeployedAt       int64  `json:"deployedAt"`
	Kind             string `json:"kind"`
	State            string `json:"state"`
	TxRef            string `json:"txRef,omitempty"`
	CounterpartyAddr string `json:"counterpartyAddr,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
	CompletedAt      int64  `json:"completedAt,omitempty"`
	RevealedSecret   string `json:"revealedSecret,omitempty"`
}

func escrowPayloadFrom(esc *escrow.Escrow) escrowPayload {
	imm := esc.Immutables
	payload := escrowPayload{
		OrderHash:        hex.EncodeToString(imm.OrderHash[:]),
		Hashlock:         hex.EncodeToString(imm.Hashlock[:]),
		Maker:            imm.Maker,
		Taker:            imm.Taker,
		Token:            imm.Token,
		Amount:           imm.Amount.String(),
		SafetyDeposit:    imm.SafetyDeposit.String(),
		Withdrawal:       imm.Timelocks.Withdrawal,
		PublicWithdrawal: imm.Timelocks.PublicWithdrawal,
		Cancellation:     imm.Timelocks.Cancellation,
		DeployedAt:       imm.Timelocks.DeployedAt,
		Kind:             esc.Kind.String(),
		State:            esc.State.String(),
		TxRef:            esc.TxRef,
		CounterpartyAddr: esc.CounterpartyAddr,
		CreatedAt:        esc.CreatedAt,
		CompletedAt:      esc.CompletedAt,
	}
	if len(esc.RevealedSecret) > 0 {
		payload.RevealedSecret = hex.EncodeToString(esc.RevealedSecret)
	}
	return payload
}

type eventPayload struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Hashlock   string            `json:"hashlock"`
	Actor      string            `json:"actor"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Timestamp  int64             `json:"timestamp"`
}

func eventPayloadFrom(ev *escrow.Event) eventPayload {
	return eventPayload{
		ID:         ev.ID,
		Type:       ev.Type,
		Hashlock:   hex.EncodeToString(ev.Hashlock[:]),
		Actor:      ev.Actor,
		Attributes: ev.Attributes,
		Timestamp:  ev.Timestamp,
	}
}

type metricsPayload struct {
	Created   uint64 `json:"created"`
	Completed uint64 `json:"completed"`
	Cancelled uint64 `json:"cancelled"`
	Active    uint64 `json:"active"`
	Volume    string `json:"volume"`
	Fees      string `json:"fees"`
}

func metricsPayloadFrom(m escrow.Metrics) metricsPayload {
	return metricsPayload{
		Created:   m.Created,
		Completed: m.Completed,
		Cancelled: m.Cancelled,
		Active:    m.Active,
		Volume:    m.Volume.String(),
		Fees:      m.Fees.String(),
	}
}

type paramsPayload struct {
	RescueDelay      uint64 `json:"rescueDelay"`
	MinAmount        string `json:"minAmount"`
	MaxAmount        string `json:"maxAmount"`
	CreationFee      string `json:"creationFee"`
	MinSafetyDeposit string `json:"minSafetyDeposit"`
	Treasury         string `json:"treasury"`
}

func paramsPayloadFrom(p escrow.Params) paramsPayload {
	return paramsPayload{
		RescueDelay:      p.RescueDelay,
		MinAmount:        p.MinAmount.String(),
		MaxAmount:        p.MaxAmount.String(),
		CreationFee:      p.CreationFee.String(),
		MinSafetyDeposit: p.MinSafetyDeposit.String(),
		Treasury:         p.Treasury,
	}
}

func (p paramsPayload) toParams() (escrow.Params, *RPCError) {
	minAmount, rpcErr := parseAmount(p.MinAmount, "minAmount")
	if rpcErr != nil {
		return escrow.Params{}, rpcErr
	}
	maxAmount, rpcErr := parseAmount(p.MaxAmount, "maxAmount")
	if rpcErr != nil {
		return escrow.Params{}, rpcErr
	}
	fee, rpcErr := parseAmount(p.CreationFee, "creationFee")
	if rpcErr != nil {
		return escrow.Params{}, rpcErr
	}
	deposit, rpcErr := parseAmount(p.MinSafetyDeposit, "minSafetyDeposit")
	if rpcErr != nil {
		return escrow.Params{}, rpcErr
	}
	return escrow.Params{
		RescueDelay:      p.RescueDelay,
		MinAmount:        minAmount,
		MaxAmount:        maxAmount,
		CreationFee:      fee,
		MinSafetyDeposit: deposit,
		Treasury:         p.Treasury,
	}, nil
}
