package chain

// Response types for the Blockchain.info rawaddr API.

type AddressResponse struct {
	Address      string        `json:"address"`
	TxCount      int           `json:"n_tx"`
	Transactions []Transaction `json:"txs"`
}

type Transaction struct {
	Hash    string   `json:"hash"`
	Time    int64    `json:"time"` // unix seconds
	Outputs []Output `json:"out"`
}

type Output struct {
	Address  string `json:"addr"`
	ValueSat int64  `json:"value"`
}
