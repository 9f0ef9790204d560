package memory

import "github.com/shopspring/decimal"

var decimalTen = decimal.NewFromInt(10)
