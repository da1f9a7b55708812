// Package application contém os casos de uso (regras de aplicação) do gate:
// contador de janela fixa, penalidades progressivas, escalada para CAPTCHA
// e o despacho best-effort de eventos de auditoria.
//
// Ele depende apenas do pacote domain e não conhece net/http.
// Ex.: Service.Decide(req) retorna uma Decision (allow/deny + retry-after).
package application
