package perpVault

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const vaultAbiJson = `[
{"anonymous":false,"inputs":[{"indexed":false,"name":"token","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"IncreasePoolAmount","type":"event"},
{"anonymous":false,"inputs":[{"indexed":false,"name":"token","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"DecreasePoolAmount","type":"event"},
{"anonymous":false,"inputs":[{"indexed":false,"name":"token","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"IncreaseReservedAmount","type":"event"},
{"anonymous":false,"inputs":[{"indexed":false,"name":"token","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"DecreaseReservedAmount","type":"event"},
{"anonymous":false,"inputs":[{"indexed":false,"name":"token","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"IncreaseUsdgAmount","type":"event"},
{"anonymous":false,"inputs":[{"indexed":false,"name":"token","type":"address"},{"indexed":false,"name":"amount","type":"uint256"}],"name":"DecreaseUsdgAmount","type":"event"},
{"inputs":[{"name":"","type":"address"}],"name":"poolAmounts","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"","type":"address"}],"name":"reservedAmounts","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"name":"","type":"address"}],"name":"usdgAmounts","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const aggregatorAbiJson = `[
{"anonymous":false,"inputs":[{"indexed":true,"name":"current","type":"int256"},{"indexed":true,"name":"roundId","type":"uint256"},{"indexed":false,"name":"updatedAt","type":"uint256"}],"name":"AnswerUpdated","type":"event"},
{"inputs":[],"name":"latestAnswer","outputs":[{"name":"","type":"int256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRound","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestTimestamp","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

var (
	VaultAbi      = mustParseAbi(vaultAbiJson)
	AggregatorAbi = mustParseAbi(aggregatorAbiJson)

	AnswerUpdatedEventId = AggregatorAbi.Events["AnswerUpdated"].ID
)

func mustParseAbi(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}
