package protocol

import "fmt"

// DecodeRule 载荷解码规则
type DecodeRule uint8

const (
	RuleCellMillivolts   DecodeRule = iota + 1 // u16 mV
	RuleCentiDegrees                           // i16, 0.01°C
	RulePackMillivolts                         // u32 mV
	RuleMilliamps                              // i32 mA, 放电为负
	RuleMilliampHours                          // u32 mAh
	RuleCount                                  // u16
	RuleStatus                                 // u16 位域
)

func (r DecodeRule) String() string {
	switch r {
	case RuleCellMillivolts:
		return "u16-millivolts"
	case RuleCentiDegrees:
		return "i16-centidegrees"
	case RulePackMillivolts:
		return "u32-millivolts"
	case RuleMilliamps:
		return "i32-milliamps"
	case RuleMilliampHours:
		return "u32-milliamphours"
	case RuleCount:
		return "u16-count"
	case RuleStatus:
		return "u16-status"
	}
	return fmt.Sprintf("rule(%d)", uint8(r))
}

// PayloadLen 规则对应的载荷长度
func (r DecodeRule) PayloadLen() byte {
	switch r {
	case RulePackMillivolts, RuleMilliamps, RuleMilliampHours:
		return 4
	default:
		return 2
	}
}

// Band 命令分组
type Band uint8

const (
	BandCellVoltage Band = iota + 1
	BandTemperature
	BandAggregate
	BandStatus
)

// Command 命令表条目
type Command struct {
	Code       byte
	PayloadLen byte
	Rule       DecodeRule
	Band       Band
	Metric     string
	Unit       Unit
}

// Request 该命令的请求帧
func (c Command) Request() []byte {
	return BuildRequest(c.Code, c.PayloadLen)
}

// 命令码
const (
	CmdCellFirst         byte = 0x01
	CmdCellLast          byte = 0x10
	CmdTotalVoltage      byte = 0x11
	CmdCurrent           byte = 0x12
	CmdTemperatureFirst  byte = 0x13
	CmdTemperatureLast   byte = 0x15
	CmdFullCapacity      byte = 0x16
	CmdRemainingCapacity byte = 0x17
	CmdRSOC              byte = 0x18
	CmdCycleCount        byte = 0x19
	CmdPackStatus        byte = 0x1A
	CmdBatteryStatus     byte = 0x1B
	CmdPackConfig        byte = 0x1C
)

// 轮询顺序固定，部分固件对节奏敏感，不要调整
var commandTable = buildCommandTable()

func buildCommandTable() []Command {
	table := make([]Command, 0, 28)

	for code := CmdCellFirst; code <= CmdCellLast; code++ {
		table = append(table, Command{
			Code: code, PayloadLen: 2, Rule: RuleCellMillivolts, Band: BandCellVoltage,
			Metric: fmt.Sprintf("cell_%d", code), Unit: UnitMillivolt,
		})
	}

	for code := CmdTemperatureFirst; code <= CmdTemperatureLast; code++ {
		table = append(table, Command{
			Code: code, PayloadLen: 2, Rule: RuleCentiDegrees, Band: BandTemperature,
			Metric: fmt.Sprintf("temperature_%d", code-CmdCurrent), Unit: UnitCelsius,
		})
	}

	table = append(table,
		Command{Code: CmdTotalVoltage, PayloadLen: 4, Rule: RulePackMillivolts, Band: BandAggregate, Metric: "total_voltage", Unit: UnitMillivolt},
		Command{Code: CmdCurrent, PayloadLen: 4, Rule: RuleMilliamps, Band: BandAggregate, Metric: "current", Unit: UnitMilliamp},
		Command{Code: CmdFullCapacity, PayloadLen: 4, Rule: RuleMilliampHours, Band: BandAggregate, Metric: "full_capacity", Unit: UnitMilliampHour},
		Command{Code: CmdRemainingCapacity, PayloadLen: 4, Rule: RuleMilliampHours, Band: BandAggregate, Metric: "remaining_capacity", Unit: UnitMilliampHour},
	)

	table = append(table,
		Command{Code: CmdRSOC, PayloadLen: 2, Rule: RuleCount, Band: BandStatus, Metric: "RSOC", Unit: UnitPercent},
		Command{Code: CmdCycleCount, PayloadLen: 2, Rule: RuleCount, Band: BandStatus, Metric: "cycle_count", Unit: UnitCount},
		Command{Code: CmdPackStatus, PayloadLen: 2, Rule: RuleStatus, Band: BandStatus, Metric: "pack_status", Unit: UnitBitfield},
		Command{Code: CmdBatteryStatus, PayloadLen: 2, Rule: RuleStatus, Band: BandStatus, Metric: "battery_status", Unit: UnitBitfield},
		Command{Code: CmdPackConfig, PayloadLen: 2, Rule: RuleStatus, Band: BandStatus, Metric: "pack_config", Unit: UnitBitfield},
	)

	return table
}

// Commands 返回命令表副本（轮询顺序）
func Commands() []Command {
	out := make([]Command, len(commandTable))
	copy(out, commandTable)
	return out
}

// Lookup 按命令码查找
func Lookup(code byte) (Command, bool) {
	for _, c := range commandTable {
		if c.Code == code {
			return c, true
		}
	}
	return Command{}, false
}
