package mapper

import (
	"testing"

	"github.com/Guizzs26/go-sync-hub/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUpsert(t *testing.T) {
	b := NewSQLBuilder()

	query, args, err := b.BuildUpsert("clientes", "id_cliente", "42", map[string]any{
		"nome":       "Wang",
		"ativo":      true,
		"nascimento": "1990-04-01",
		"id_cliente": "999",
	})
	require.NoError(t, err)

	assert.Equal(t, "UPDATE OR INSERT INTO CLIENTES (ID_CLIENTE, ATIVO, NASCIMENTO, NOME) VALUES (?, ?, ?, ?) MATCHING (ID_CLIENTE)", query)
	assert.Equal(t, []any{"42", 1, "1990-04-01", "Wang"}, args)
}

func TestBuildUpsertOnlyKey(t *testing.T) {
	query, args, err := NewSQLBuilder().BuildUpsert("ESTOQUE", "ID_PRODUTO", "7", nil)
	require.NoError(t, err)
	assert.Equal(t, "UPDATE OR INSERT INTO ESTOQUE (ID_PRODUTO) VALUES (?) MATCHING (ID_PRODUTO)", query)
	assert.Equal(t, []any{"7"}, args)
}

func TestBuildUpsertRequiresKey(t *testing.T) {
	_, _, err := NewSQLBuilder().BuildUpsert("CLIENTES", " ", "1", map[string]any{"NOME": "x"})
	assert.Error(t, err)
}

func TestBuildUpsertRejectsHostileColumns(t *testing.T) {
	b := NewSQLBuilder()

	for _, key := range []string{
		"NOME) VALUES (1); DROP TABLE CLIENTES; --",
		"NOME, SALDO",
		`"NOME"`,
		"1NOME",
		"",
		"NOME\nSALDO",
	} {
		_, _, err := b.BuildUpsert("CLIENTES", "ID_CLIENTE", "1", map[string]any{key: "x"})
		assert.ErrorIs(t, err, common.ErrInvalidInput, "key %q", key)
	}

	_, _, err := b.BuildUpsert("CLIENTES", "ID_CLIENTE", "1", map[string]any{"SALDO$ATUAL": 1, "_nome": "x"})
	assert.NoError(t, err)
}

func TestBuildDelete(t *testing.T) {
	query, args, err := NewSQLBuilder().BuildDelete("pedidos", "id_pedido", "15")
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM PEDIDOS WHERE ID_PEDIDO = ?", query)
	assert.Equal(t, []any{"15"}, args)
}

func TestFormatValue(t *testing.T) {
	b := NewSQLBuilder()

	assert.Equal(t, 0, b.formatValue(false))
	assert.Equal(t, "2024-03-05 14:30:00", b.formatValue("2024-03-05T14:30:00Z"))
	assert.Equal(t, "plain text", b.formatValue("plain text"))
	assert.Equal(t, `{"a":1}`, b.formatValue(map[string]any{"a": 1}))
	assert.Equal(t, 3.5, b.formatValue(3.5))
}
