package store

import (
	"database/sql"
	"fmt"
)

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func itoa(value int) string {
	return fmt.Sprintf("%d", value)
}
