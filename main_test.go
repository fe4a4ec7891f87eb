package main

import (
	"testing"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/stretchr/testify/assert"
)

func TestStartCoordinate(t *testing.T) {
	current := mysql.Position{Name: "mysql-bin.000009", Pos: 8421}

	tests := []struct {
		name     string
		file     string
		offset   uint32
		expected mysql.Position
	}{
		{
			"explicit file and offset",
			"mysql-bin.000007", 4711,
			mysql.Position{Name: "mysql-bin.000007", Pos: 4711},
		},
		{
			"explicit file starts at the file beginning",
			"mysql-bin.000007", 0,
			mysql.Position{Name: "mysql-bin.000007", Pos: 4},
		},
		{
			"no flags uses the current position",
			"", 0,
			current,
		},
		{
			"bare offset applies within the current file",
			"", 4711,
			mysql.Position{Name: "mysql-bin.000009", Pos: 4711},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, startCoordinate(test.file, test.offset, current))
		})
	}
}
