package domain

import "time"

// RecordStore guarda os registros de uma política.
//
// Do executa fn segurando o lock que protege a chave; toda a sequência
// buscar-verificar-incrementar-gravar de uma decisão deve acontecer dentro de
// uma única chamada. fn recebe o registro já criado (created=true na primeira
// observação) e não deve bloquear.
type RecordStore interface {
	Do(key Key, now time.Time, fn func(rec *Record, created bool))
	Get(key Key) (Record, bool)
	Clear()
}
