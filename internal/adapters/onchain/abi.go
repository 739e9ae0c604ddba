package onchain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Contract ABIs
var (
	marketABI        abi.ABI
	exchangeRatesABI abi.ABI
	pythABI          abi.ABI
)

func init() {
	var err error

	// Perps v2 market proxy: the events the keepers index and the calls they make.
	marketABI, err = abi.JSON(strings.NewReader(`[
		{"type": "event", "name": "PositionModified", "anonymous": false, "inputs": [
			{"name": "id", "type": "uint256", "indexed": true},
			{"name": "account", "type": "address", "indexed": true},
			{"name": "margin", "type": "uint256", "indexed": false},
			{"name": "size", "type": "int256", "indexed": false},
			{"name": "tradeSize", "type": "int256", "indexed": false},
			{"name": "lastPrice", "type": "uint256", "indexed": false},
			{"name": "fundingIndex", "type": "uint256", "indexed": false},
			{"name": "fee", "type": "uint256", "indexed": false},
			{"name": "skew", "type": "int256", "indexed": false}
		]},
		{"type": "event", "name": "PositionLiquidated", "anonymous": false, "inputs": [
			{"name": "id", "type": "uint256", "indexed": false},
			{"name": "account", "type": "address", "indexed": false},
			{"name": "liquidator", "type": "address", "indexed": false},
			{"name": "size", "type": "int256", "indexed": false},
			{"name": "price", "type": "uint256", "indexed": false},
			{"name": "flaggerFee", "type": "uint256", "indexed": false},
			{"name": "liquidatorFee", "type": "uint256", "indexed": false},
			{"name": "stakersFee", "type": "uint256", "indexed": false}
		]},
		{"type": "event", "name": "PositionFlagged", "anonymous": false, "inputs": [
			{"name": "id", "type": "uint256", "indexed": false},
			{"name": "account", "type": "address", "indexed": false},
			{"name": "flagger", "type": "address", "indexed": false},
			{"name": "price", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]},
		{"type": "event", "name": "DelayedOrderSubmitted", "anonymous": false, "inputs": [
			{"name": "account", "type": "address", "indexed": true},
			{"name": "isOffchain", "type": "bool", "indexed": false},
			{"name": "sizeDelta", "type": "int256", "indexed": false},
			{"name": "targetRoundId", "type": "uint256", "indexed": false},
			{"name": "intentionTime", "type": "uint256", "indexed": false},
			{"name": "executableAtTime", "type": "uint256", "indexed": false},
			{"name": "commitDeposit", "type": "uint256", "indexed": false},
			{"name": "keeperDeposit", "type": "uint256", "indexed": false},
			{"name": "trackingCode", "type": "bytes32", "indexed": false}
		]},
		{"type": "event", "name": "DelayedOrderRemoved", "anonymous": false, "inputs": [
			{"name": "account", "type": "address", "indexed": true},
			{"name": "isOffchain", "type": "bool", "indexed": false},
			{"name": "currentRoundId", "type": "uint256", "indexed": false},
			{"name": "sizeDelta", "type": "int256", "indexed": false},
			{"name": "targetRoundId", "type": "uint256", "indexed": false},
			{"name": "commitDeposit", "type": "uint256", "indexed": false},
			{"name": "keeperDeposit", "type": "uint256", "indexed": false},
			{"name": "trackingCode", "type": "bytes32", "indexed": false}
		]},
		{"type": "event", "name": "FundingRecomputed", "anonymous": false, "inputs": [
			{"name": "funding", "type": "int256", "indexed": false},
			{"name": "fundingRate", "type": "int256", "indexed": false},
			{"name": "index", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]},
		{"type": "function", "name": "canLiquidate", "stateMutability": "view",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "bool"}]},
		{"type": "function", "name": "liquidationPrice", "stateMutability": "view",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "price", "type": "uint256"}, {"name": "invalid", "type": "bool"}]},
		{"type": "function", "name": "assetPrice", "stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "price", "type": "uint256"}, {"name": "invalid", "type": "bool"}]},
		{"type": "function", "name": "baseAsset", "stateMutability": "view",
			"inputs": [],
			"outputs": [{"name": "key", "type": "bytes32"}]},
		{"type": "function", "name": "flagPosition", "stateMutability": "nonpayable",
			"inputs": [{"name": "account", "type": "address"}], "outputs": []},
		{"type": "function", "name": "liquidatePosition", "stateMutability": "nonpayable",
			"inputs": [{"name": "account", "type": "address"}], "outputs": []},
		{"type": "function", "name": "executeDelayedOrder", "stateMutability": "nonpayable",
			"inputs": [{"name": "account", "type": "address"}], "outputs": []},
		{"type": "function", "name": "executeOffchainDelayedOrder", "stateMutability": "payable",
			"inputs": [{"name": "account", "type": "address"}, {"name": "priceUpdateData", "type": "bytes[]"}],
			"outputs": []}
	]`))
	if err != nil {
		panic("market abi parse: " + err.Error())
	}

	exchangeRatesABI, err = abi.JSON(strings.NewReader(`[
		{"type": "function", "name": "getCurrentRoundId", "stateMutability": "view",
			"inputs": [{"name": "currencyKey", "type": "bytes32"}],
			"outputs": [{"name": "", "type": "uint256"}]}
	]`))
	if err != nil {
		panic("exchange rates abi parse: " + err.Error())
	}

	pythABI, err = abi.JSON(strings.NewReader(`[
		{"type": "function", "name": "getUpdateFee", "stateMutability": "view",
			"inputs": [{"name": "updateData", "type": "bytes[]"}],
			"outputs": [{"name": "feeAmount", "type": "uint256"}]}
	]`))
	if err != nil {
		panic("pyth abi parse: " + err.Error())
	}
}
