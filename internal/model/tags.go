package model

import (
	"fmt"

	"sort3-simulator/internal/tags"
)

// 地址空间的三个分支名称，沿用 SORT3 工位机的原始命名
const (
	BranchStartedPO     = "STARTED_PO"
	BranchBlockOutput   = "BLOCK_OUTPUT"
	BranchVeneerStacked = "VENEER_STACKED"
)

// STARTED_PO 分支：订单与工艺参数标签路径
const (
	TagObjtNewValue      = "STARTED_PO/SRT_OBJT_NEW_VALUE"
	TagPLCValueProcessed = "STARTED_PO/SRT_PLC_VALUE_PROCESSED"
	TagPOID              = "STARTED_PO/SRT_PO_ID"
	TagPOQty             = "STARTED_PO/SRT_PO_QTY"
	TagIn2               = "STARTED_PO/SRT3_IN2"
	TagOrderStatus       = "STARTED_PO/ORDER_STATUS" // 1=运行中, 0=已停止
	TagBeltSpeed         = "STARTED_PO/SRT_SPEEDBELTTRANSPORT"
	TagMaxSheetsBox      = "STARTED_PO/SRT_MAXSHEETSBOX"
	TagOpenBoxDistance   = "STARTED_PO/SRT_OPENBOXDISTNACE"
)

// BLOCK_OUTPUT 分支：当前分拣工位的派生显示标签
const (
	TagBBBoxBlock          = "BLOCK_OUTPUT/BB_BOX_BLOCK"
	TagBBCutting           = "BLOCK_OUTPUT/BB_CUTTING"
	TagBBItemName          = "BLOCK_OUTPUT/BB_ITEMNAME"
	TagBBObjtNewValue      = "BLOCK_OUTPUT/BB_OBJT_NEW_VALUE"
	TagBBOutBoxNr          = "BLOCK_OUTPUT/BB_OUT_BOXNR"
	TagBBPLCValueProcessed = "BLOCK_OUTPUT/BB_PLC_VALUE_PROCESSED"
	TagBBTape              = "BLOCK_OUTPUT/BB_TAPE"
	TagBBVeneerL           = "BLOCK_OUTPUT/BB_VENEER_L"
)

// VENEER_STACKED 分支：码垛计数标签
const (
	TagOutBoxFull          = "VENEER_STACKED/OUT_BOXFULL"
	TagOutBoxNr            = "VENEER_STACKED/OUT_BOXNR"
	TagOutLPNID            = "VENEER_STACKED/OUT_LPN_ID"
	TagOutLPNQty           = "VENEER_STACKED/OUT_LPN_QTY"
	TagOutObjtProcessed    = "VENEER_STACKED/OUT_OBJT_VALUE_PROCESSED"
	TagOutPLCNewValue      = "VENEER_STACKED/OUT_PLC_NEW_VALUE"
	TagOutRepair           = "VENEER_STACKED/OUT_REPAIR"
	TagOutPOID             = "VENEER_STACKED/OUT_PO_ID"
)

// StationCount 分拣工位数量固定为 6
const StationCount = 6

// StationTag 返回指定工位（1~6）某属性的标签路径
func StationTag(station int, attr string) string {
	return fmt.Sprintf("STARTED_PO/SRT_%d_%s", station, attr)
}

// DeclareTags 在标签存储中注册完整的 SORT3 标签集合及默认值
func DeclareTags(store *tags.Store) error {
	declarations := []struct {
		path    string
		kind    tags.Kind
		initial interface{}
	}{
		// STARTED_PO
		{TagObjtNewValue, tags.Boolean, false},
		{TagPLCValueProcessed, tags.Boolean, false},
		{TagPOID, tags.String, ""},
		{TagPOQty, tags.Number, 0},
		{TagIn2, tags.String, ""},
		{TagOrderStatus, tags.Number, 0},
		{TagBeltSpeed, tags.Number, 0.0},
		{TagMaxSheetsBox, tags.Number, 0.0},
		{TagOpenBoxDistance, tags.Number, 0.0},

		// BLOCK_OUTPUT
		{TagBBBoxBlock, tags.Boolean, false},
		{TagBBCutting, tags.Boolean, false},
		{TagBBItemName, tags.String, ""},
		{TagBBObjtNewValue, tags.Boolean, false},
		{TagBBOutBoxNr, tags.Number, 0},
		{TagBBPLCValueProcessed, tags.Boolean, false},
		{TagBBTape, tags.Boolean, false},
		{TagBBVeneerL, tags.Number, 0.0},

		// VENEER_STACKED
		{TagOutBoxFull, tags.Boolean, false},
		{TagOutBoxNr, tags.Number, 1},
		{TagOutLPNID, tags.String, ""},
		{TagOutLPNQty, tags.Number, 0},
		{TagOutObjtProcessed, tags.Boolean, false},
		{TagOutPLCNewValue, tags.Boolean, false},
		{TagOutRepair, tags.Boolean, false},
		{TagOutPOID, tags.String, ""},
	}

	for _, d := range declarations {
		if err := store.Declare(d.path, d.kind, d.initial); err != nil {
			return err
		}
	}

	// 6 个分拣工位的标签
	for i := 1; i <= StationCount; i++ {
		stationDecls := []struct {
			attr    string
			kind    tags.Kind
			initial interface{}
		}{
			{"ACTIVE", tags.Boolean, false},
			{"CUTTING", tags.Boolean, false},
			{"ITEMNAME", tags.String, ""},
			{"TAPE", tags.Boolean, false},
			{"VENEER_L", tags.Number, 0.0},
			{"QTY", tags.Number, 0},
		}
		for _, d := range stationDecls {
			if err := store.Declare(StationTag(i, d.attr), d.kind, d.initial); err != nil {
				return err
			}
		}
	}
	return nil
}
