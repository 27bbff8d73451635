package program

import (
	"encoding/binary"
	"fmt"
)

// Encode собирает байты программы из списка проверок. Используется подписантами
// конвертов и тестами; формат совпадает с тем, что ожидает Decode.
func Encode(checks []Check) ([]byte, error) {
	var buf []byte
	for i, c := range checks {
		buf = append(buf, byte(c.Opcode()))
		switch c := c.(type) {
		case DeadlineCheck:
			buf = binary.BigEndian.AppendUint64(buf, c.Deadline)
		case NonceCheck:
			buf = appendWord(buf, c.Expected.Bytes32())
		case BundleHashCheck:
			buf = append(buf, c.Hash[:]...)
		case TokenAmountCeilingCheck:
			buf = append(buf, c.Token[:]...)
			buf = appendWord(buf, c.Max.Bytes32())
		case NativeValueCeilingCheck:
			buf = appendWord(buf, c.Max.Bytes32())
		case LiquidityDeltaCeilingCheck:
			if c.Max.BitLen() > 128 {
				return nil, fmt.Errorf("check #%d: liquidity bound exceeds u128", i)
			}
			w := c.Max.Bytes32()
			buf = append(buf, w[16:]...)
		case TickRangeCheck:
			buf = append(buf, c.PoolID[:]...)
			buf = binary.BigEndian.AppendUint32(buf, uint32(c.Min))
			buf = binary.BigEndian.AppendUint32(buf, uint32(c.Max))
		case PriceRangeCheck:
			buf = append(buf, c.PoolID[:]...)
			buf = appendWord(buf, c.Min.Bytes32())
			buf = appendWord(buf, c.Max.Bytes32())
		case PositionClosedCheck:
			buf = append(buf, c.PositionID[:]...)
		case QueueCeilingCheck:
			buf = append(buf, c.Asset[:]...)
			buf = append(buf, c.Owner[:]...)
			buf = appendWord(buf, c.Max.Bytes32())
		case ReserveFloorCheck:
			buf = append(buf, c.Asset[:]...)
			buf = appendWord(buf, c.Min.Bytes32())
		case SettledFloorCheck:
			buf = append(buf, c.PositionID[:]...)
			buf = appendWord(buf, c.Min0.Bytes32())
			buf = appendWord(buf, c.Min1.Bytes32())
		case DeficitCeilingCheck:
			buf = append(buf, c.PositionID[:]...)
			buf = appendWord(buf, c.Max0.Bytes32())
			buf = appendWord(buf, c.Max1.Bytes32())
		case GracePeriodFloorCheck:
			buf = append(buf, c.PositionID[:]...)
			buf = binary.BigEndian.AppendUint64(buf, c.MinSeconds)
		case StaticCallCheck:
			if len(c.Args) > 0xFFFF {
				return nil, fmt.Errorf("check #%d: static call args exceed u16 length", i)
			}
			if !c.Op.Valid() {
				return nil, fmt.Errorf("check #%d: %w: %d", i, ErrUnknownCompOp, c.Op)
			}
			buf = append(buf, c.Target[:]...)
			buf = append(buf, c.Selector[:]...)
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.Args)))
			buf = append(buf, c.Args...)
			buf = append(buf, byte(c.Op))
			buf = appendWord(buf, c.RHS.Bytes32())
		default:
			return nil, fmt.Errorf("check #%d: unsupported check %T", i, c)
		}
	}
	return buf, nil
}

func appendWord(buf []byte, w [32]byte) []byte { return append(buf, w[:]...) }
