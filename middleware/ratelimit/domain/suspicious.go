package domain

// SuspiciousRegistry acompanha o total de violações por chave, independente da
// janela de qualquer política, e mantém o conjunto de chaves sinalizadas.
//
// É apenas consultivo: quem decide o que fazer com as chaves sinalizadas é
// o pipeline de auditoria ou um operador.
type SuspiciousRegistry interface {
	// RecordViolation soma uma violação; flagged é true somente na chamada
	// que levou a chave ao conjunto de suspeitos.
	RecordViolation(key Key) (count int, flagged bool)
	List() []string
	Clear(key Key) bool
	Reset()
	Threshold() int
}
