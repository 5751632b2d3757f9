package config

const defaultYAML = `firm:
  name: "Segura & Asociados Abogados"
  city: "Bogotá"
  signers:
    - "Lulú Cely Rubiano"
    - "Jairo Segura A."

search:
  default_city: "Bogotá"
  allowed_counts: [5, 10, 25, 50, 100]
  model: "gemini-3-flash-preview"
  google_search: true
  prompt: |
    Busca conjuntos residenciales o edificios de propiedad horizontal en {{.City}}, Colombia.
    Extrae la siguiente información para cada uno:
    1. Nombre del conjunto residencial.
    2. Nombre del administrador (si está disponible, si no poner "Por contactar").
    3. Correo electrónico de contacto (administración o consejo).
    4. Dirección física exacta.
    5. Teléfono de contacto.
    6. URL de su página web o perfil de red social.

    Enfócate en conjuntos que tengan presencia digital.
    Devuelve exactamente {{.Count}} resultados.
  improve_instruction: "Eres un experto en marketing jurídico. Mejora esta propuesta de la Dra. Lulú Cely Rubiano y Jairo Segura A. para que sea más impactante, pero mantén EXACTAMENTE las referencias legales y las firmas finales. Propuesta:"

export:
  strictness: strict
  chunk_size: 0
  filename_prefix: "base_datos_marketing_S&A"

campaign:
  subject: "Propuesta de Actualización de Reglamento PH - Segura & Asociados"
  delay: 1s

storage:
  backend: sqlite
  redis_addr: ""
  redis_db: 0
  key_prefix: "leadline"

template: |
  Bogotá, {{FECHA}}

  Señores:
  CONSEJO DE ADMINISTRACIÓN Y REPRESENTANTE LEGAL
  {{CONJUNTO}}
  {{EMAIL}}
  Ciudad

  Asunto: Propuesta de Servicios Profesionales – Reforma al Reglamento de Propiedad Horizontal.

  Cordial saludo,

  Conocido el interés en la actualización del Reglamento de Propiedad Horizontal de la Copropiedad administrada por ustedes, y atendiendo lo dispuesto en el artículo 2.2.8.18.12.1.6. del decreto 768 de 2025 referente a la publicidad del régimen de propiedad horizontal, según el cual, las Asambleas de las Copropiedades deben incorporar en sus reglamentos PH el respectivo manual de convivencia, acogiendo los parámetros establecidos por la jurisprudencia constitucional en la materia, para cuando fuere necesario las autoridades de policía puedan desarrollar, sin ambigüedad, el proceso único de policía para la convivencia y seguridad ciudadana, regulado en dicho decreto, sin menoscabo de las funciones otorgadas al Comité de Convivencia por el numeral 1 del artículo 58 de la ley 675 de 2001, quienes, de acuerdo al artículo 2.2.8.18.12.1.8. ibidem, continúan conociendo de los conflictos de convivencia que se susciten en la copropiedad, pongo a su consideración la siguiente propuesta:

  “Asesoría jurídica para actualización del Reglamento de Propiedad Horizontal del {{CONJUNTO}}, atendiendo las necesidades propias de la copropiedad, a fin de incluir el régimen sancionatorio con los aspectos detectados por ustedes como sensibles, en cuanto a convivencia, encaminado a la salvaguarda del debido proceso, (Capítulo II, ley 675 de 2001); así como también el régimen interno de contratación; funciones del Consejo de administración y tenencia responsable de mascotas”.

  Términos:
  1. Actividades:
  1.1. Reunión con el Consejo de Administración y Representante Legal, previa a entrega de productos, con el fin de concertar aspectos a incluir y actualizar. (presencial o virtual).
  1.2. Entrega de Reglamento PH debidamente actualizado, a los treinta (30) días hábiles contados a partir de la reunión relacionada en el numeral anterior.
  1.3. Reunión con el Consejo de Administración y Representante Legal, una vez entregado el documento final para socializar su contenido. (presencial o virtual).

  2. Plazo de ejecución: Noventa (90) días contados a partir de la firma del contrato.

  4. Valor de los honorarios: Cinco (5) salarios mínimos legales mensuales vigentes (5 SMLMV) fuera de retenciones.

  Sin otro particular, quedamos atentos a sus comentarios.

  Atentamente,

  Lulú Cely Rubiano
  Abogada Experta en Propiedad Horizontal
  C.C. 51.672.493 | T.P. 104340 C.S. de la J.

  Jairo Segura A.
  Director General
  Segura & Asociados Abogados
`
