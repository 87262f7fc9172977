package pipeline

import (
	"bytes"
	"text/template"
)

// promptData is substituted into the step templates.
type promptData struct {
	City     string
	Research string // step 1 output
	Impact   string // step 2 output
}

var researchPrompt = template.Must(template.New("research").Parse(
	`Jesteś researcherem lokalnych wydarzeń w mieście {{.City}}.

CEL: znajdź wydarzenia odbywające się w mieście {{.City}} DOKŁADNIE w dniu, o który pyta użytkownik.
Użytkownik może wspominać o menu, kawie albo promocji. Interesuje cię wyłącznie data.

Kroki:
1. Ustal datę z zapytania i zapisz ją jako YYYY-MM-DD. Baza danych wymaga tego formatu.
2. Wypisz wydarzenia kulturalne i rozrywkowe tego dnia: koncerty, festiwale, targi, wystawy, mecze.
3. Dodaj święta i dni szczególne, także zwyczajowe (np. Andrzejki), z miejscem "Cała Polska".
4. Sprawdź, czy każde wydarzenie naprawdę odbywa się tego dnia (np. dostępność biletów).
5. Podaj najwyżej 12 wydarzeń dla różnych grup odbiorców.

Dla każdego wydarzenia: data, dokładna nazwa, konkretne miejsce, krótki rzeczowy opis.

Odpowiedz WYŁĄCZNIE obiektem JSON, bez tekstu przed ani po:
{
  "research_summary": [
    {
      "event_date": "YYYY-MM-DD",
      "event_name": "Nazwa wydarzenia",
      "location": "Dokładne miejsce",
      "description": "Krótki opis wydarzenia"
    }
  ]
}`))

var impactPrompt = template.Must(template.New("impact").Parse(
	`Jesteś marketingowcem pracującym dla kawiarni w mieście {{.City}}.

Raport wydarzeń przygotowany przez researchera:
{{.Research}}

CEL: wybierz z raportu 3 wydarzenia o największym potencjale biznesowym, czyli takie, które przyciągną najwięcej potencjalnych gości kawiarni.

Oceń każde wydarzenie w pięciu kategoriach, po 0-20 punktów (łącznie 0-100):
- frekwencja: frekwencja podobnych wydarzeń w przeszłości
- zasięg: jak szerokie grono odbiorców obejmuje wydarzenie
- zgodność: czy przyciągnie klientów kawiarni
- różnorodność: szeroka publiczność zamiast wąskiej grupy pasjonatów
- optymizm: czy wydarzenie kojarzy się pozytywnie

Rozważaj tylko wydarzenia o pozytywnym, optymistycznym charakterze.
Przepisz datę, nazwę, miejsce i opis z raportu bez zmian.

Odpowiedz WYŁĄCZNIE obiektem JSON, bez tekstu przed ani po:
{
  "impact_summary": [
    {
      "event_date": "YYYY-MM-DD",
      "event_name": "Nazwa wydarzenia",
      "location": "Dokładne miejsce",
      "description": "Krótki opis wydarzenia",
      "impact_score": 85,
      "score_breakdown": {"frekwencja": 15, "zasięg": 18, "zgodność": 20, "różnorodność": 12, "optymizm": 20},
      "comments": "Krótkie uzasadnienie wyboru"
    }
  ]
}`))

var marketingPrompt = template.Must(template.New("marketing").Parse(
	`Jesteś kreatywnym menedżerem kawiarni w mieście {{.City}} i piszesz jej posty.

Raport wybranych wydarzeń:
{{.Impact}}

Dla każdego wydarzenia z raportu:
1. Wymyśl kawę i ciasto nawiązujące do wydarzenia i podaj, z czego są zrobione. Każde wydarzenie dostaje inny zestaw.
2. Napisz post na Facebooka promujący ten zestaw.

Zasady:
- Sprzedajesz produkty kawiarni. Wydarzenie jest tylko pretekstem.
- Zapraszaj na kawę przed wydarzeniem lub po nim, nie na samo wydarzenie.
- Nie sugeruj, że kawiarnia organizuje wydarzenie.
- Nie łącz na siłę wydarzeń ze świętami.
- Styl luźny, zapraszający, profesjonalny.
- Przepisz datę, nazwę, miejsce, opis oraz pola impact_score, score_breakdown i comments z raportu BEZ ZMIAN.
- Pole "type" pozycji menu to "coffee" albo "cake".

Odpowiedz WYŁĄCZNIE obiektem JSON, bez tekstu przed ani po:
{
  "output": [
    {
      "event_date": "YYYY-MM-DD",
      "event_name": "Nazwa wydarzenia",
      "location": "Dokładne miejsce",
      "description": "Krótki opis wydarzenia",
      "facebook_post": "Treść posta",
      "menu_items": [
        {"name": "Nazwa kawy", "desc": "Skład", "type": "coffee"},
        {"name": "Nazwa ciasta", "desc": "Skład", "type": "cake"}
      ],
      "impact_score": 85,
      "score_breakdown": {"frekwencja": 15, "zasięg": 18, "zgodność": 20, "różnorodność": 12, "optymizm": 20},
      "comments": "Krótkie uzasadnienie wyboru"
    }
  ]
}`))

func render(t *template.Template, data promptData) (string, error) {
	var b bytes.Buffer
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}
