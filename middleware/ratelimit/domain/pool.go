package domain

// SlotPool limita quantas entregas de auditoria podem estar em andamento.
//
// TryAcquire nunca bloqueia: o caminho de decisão não pode esperar pelo sink.
// Ao adquirir, retorna uma função de release que deve ser chamada exatamente uma vez.
type SlotPool interface {
	TryAcquire() (release func(), ok bool)
}
