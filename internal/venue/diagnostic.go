package venue

// Family groups venues that share an error payload shape
type Family string

const (
	FamilyZerodha Family = "zerodha"
	FamilyUpstox  Family = "upstox"
	FamilyAngel   Family = "angel"
	FamilyBinance Family = "binance"
	FamilyGeneric Family = "generic"
)

// Diagnostic is the venue-specific detail attached to a reject.
// Exactly one payload is set and it matches Family.
type Diagnostic struct {
	Family  Family             `json:"family"`
	Zerodha *ZerodhaDiagnostic `json:"zerodha,omitempty"`
	Upstox  *UpstoxDiagnostic  `json:"upstox,omitempty"`
	Angel   *AngelDiagnostic   `json:"angel,omitempty"`
	Binance *BinanceDiagnostic `json:"binance,omitempty"`
	Generic *GenericDiagnostic `json:"generic,omitempty"`
}

type ZerodhaDiagnostic struct {
	ErrorType string `json:"error_type"`
	Exchange  string `json:"exchange,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type UpstoxDiagnostic struct {
	ErrorCode    string `json:"error_code"`
	PropertyPath string `json:"property_path,omitempty"`
	InvalidValue string `json:"invalid_value,omitempty"`
}

type AngelDiagnostic struct {
	ErrorCode     string `json:"error_code"`
	UniqueOrderID string `json:"unique_order_id,omitempty"`
}

type BinanceDiagnostic struct {
	Code       int64  `json:"code"`
	Message    string `json:"msg"`
	HTTPStatus int    `json:"http_status,omitempty"`
}

type GenericDiagnostic struct {
	Detail string `json:"detail"`
}

func NewZerodhaDiagnostic(d ZerodhaDiagnostic) *Diagnostic {
	return &Diagnostic{Family: FamilyZerodha, Zerodha: &d}
}

func NewUpstoxDiagnostic(d UpstoxDiagnostic) *Diagnostic {
	return &Diagnostic{Family: FamilyUpstox, Upstox: &d}
}

func NewAngelDiagnostic(d AngelDiagnostic) *Diagnostic {
	return &Diagnostic{Family: FamilyAngel, Angel: &d}
}

func NewBinanceDiagnostic(d BinanceDiagnostic) *Diagnostic {
	return &Diagnostic{Family: FamilyBinance, Binance: &d}
}

func NewGenericDiagnostic(detail string) *Diagnostic {
	return &Diagnostic{Family: FamilyGeneric, Generic: &GenericDiagnostic{Detail: detail}}
}

// Code returns the venue error code carried by the payload, if any
func (d *Diagnostic) Code() string {
	if d == nil {
		return ""
	}
	switch d.Family {
	case FamilyZerodha:
		if d.Zerodha != nil {
			return d.Zerodha.ErrorType
		}
	case FamilyUpstox:
		if d.Upstox != nil {
			return d.Upstox.ErrorCode
		}
	case FamilyAngel:
		if d.Angel != nil {
			return d.Angel.ErrorCode
		}
	case FamilyBinance:
		if d.Binance != nil {
			return itoa(d.Binance.Code)
		}
	}
	return ""
}

// Valid reports whether the payload matches the family tag
func (d *Diagnostic) Valid() bool {
	if d == nil {
		return false
	}
	set := 0
	for _, p := range []bool{d.Zerodha != nil, d.Upstox != nil, d.Angel != nil, d.Binance != nil, d.Generic != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return false
	}
	switch d.Family {
	case FamilyZerodha:
		return d.Zerodha != nil
	case FamilyUpstox:
		return d.Upstox != nil
	case FamilyAngel:
		return d.Angel != nil
	case FamilyBinance:
		return d.Binance != nil
	case FamilyGeneric:
		return d.Generic != nil
	}
	return false
}
