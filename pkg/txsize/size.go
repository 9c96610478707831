package txsize

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// 权重常量 (weight units, BIP-141)
//
// 交易骨架: version(4) + in-count(1) + out-count(1) + locktime(4) = 10 字节
// 非见证数据，外加 segwit marker/flag 2 字节见证数据。
// P2WPKH 输入: outpoint(36) + script-len(1) + sequence(4) = 41 字节非见证，
// 见证部分 item-count(1) + sig(73) + pubkey(34) = 108 字节。
const (
	baseWeight        = 10*4 + 2
	p2wpkhInputWeight = 41*4 + 108
)

// Estimator 在不访问钱包的前提下估算交易的 virtual size。
// 钱包侧的 coin selection 不可用时作为确定性回退：假设固定数量的
// P2WPKH 输入和一个 P2WPKH 找零输出。
type Estimator struct {
	params        *chaincfg.Params
	assumedInputs int
}

func NewEstimator(params *chaincfg.Params, assumedInputs int) *Estimator {
	if assumedInputs < 1 {
		assumedInputs = 1
	}
	return &Estimator{params: params, assumedInputs: assumedInputs}
}

// EstimateVSize 估算携带给定目的地址集合的交易大小 (vbytes, 向上取整)。
// 相同输入永远得到相同结果。
func (e *Estimator) EstimateVSize(addresses []string) (int, error) {
	weight := baseWeight + e.assumedInputs*p2wpkhInputWeight

	for _, addr := range addresses {
		size, err := OutputScriptSize(addr, e.params)
		if err != nil {
			return 0, err
		}
		// value(8) + script-len(1) + script，全部为非见证数据
		weight += (8 + 1 + size) * 4
	}

	// 找零输出按 P2WPKH 计
	weight += (8 + 1 + 22) * 4

	return (weight + 3) / 4, nil
}

// OutputScriptSize 返回目的地址对应锁定脚本的字节数
func OutputScriptSize(address string, params *chaincfg.Params) (int, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return 0, fmt.Errorf("解析地址 %s 失败: %w", address, err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return 0, fmt.Errorf("构造输出脚本失败: %w", err)
	}
	return len(script), nil
}
